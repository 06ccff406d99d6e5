// Package workspace confines file operations to a single root
// directory. Every path a client supplies is cleaned, joined under the
// root, and checked against the symlink-resolved tree, so neither
// dot-dot traversal nor a planted symlink can reach outside it.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrPathEscapes marks a path that would resolve outside the root.
var ErrPathEscapes = errors.New("path escapes workspace root")

type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Dir     bool      `json:"dir"`
	ModTime time.Time `json:"mod_time"`
}

// Store is rooted at one directory. It performs no authorization;
// callers decide access before touching it.
type Store struct {
	root string // absolute, symlink-resolved
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("workspace root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	log.Debug().Str("root", resolved).Msg("workspace ready")
	return &Store{root: resolved}, nil
}

// Root returns the absolute workspace directory, for mounting into
// execution backends.
func (s *Store) Root() string { return s.root }

// resolve maps a client path to an absolute path under the root.
// Cleaning against "/" first folds any leading dot-dot segments, so
// the join cannot escape lexically; the ancestor walk then resolves
// symlinks so a link inside the tree cannot point the operation
// outside it either.
func (s *Store) resolve(name string) (string, error) {
	clean := filepath.Clean("/" + filepath.ToSlash(name))
	full := filepath.Join(s.root, clean)

	probe := full
	for {
		real, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if real != s.root && !strings.HasPrefix(real, s.root+string(filepath.Separator)) {
				return "", fmt.Errorf("%w: %s", ErrPathEscapes, name)
			}
			return full, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return full, nil
		}
		probe = parent
	}
}

func (s *Store) Read(name string) ([]byte, error) {
	full, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full) // #nosec G304 -- full is confined to the workspace root by resolve
}

func (s *Store) Write(name string, data []byte) error {
	full, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating parent directories: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil { // #nosec G306 -- workspace files are read by sandboxed commands running as nobody
		return err
	}
	log.Debug().Str("path", name).Int("bytes", len(data)).Msg("workspace file written")
	return nil
}

func (s *Store) List(dir string) ([]FileInfo, error) {
	full, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{
			Name:    e.Name(),
			Size:    info.Size(),
			Dir:     e.IsDir(),
			ModTime: info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) Stat(name string) (FileInfo, error) {
	full, err := s.resolve(name)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Name:    filepath.Base(full),
		Size:    info.Size(),
		Dir:     info.IsDir(),
		ModTime: info.ModTime().UTC(),
	}, nil
}
