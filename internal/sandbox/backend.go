package sandbox

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"

	"github.com/rs/zerolog/log"

	"agent-gatekeeper/internal/config"
)

// RunSpec is what a backend executes: an argument vector rooted in the
// workspace directory. No shell is involved on any backend.
type RunSpec struct {
	ID      string
	Command string
	Args    []string
	Dir     string // host workspace path; containers mount it at /workspace
}

// Backend runs one command to completion, streaming output to the
// writers. The exit code is meaningful only when err is nil; a context
// cancellation or deadline must kill the underlying process (or
// container) before Run returns.
type Backend interface {
	Name() string
	Run(ctx context.Context, spec RunSpec, stdout, stderr io.Writer) (int, error)
	Close() error
}

// NewBackend builds the execution backend from config: the direct host
// runner unless containerized execution is requested, in which case the
// best available container engine (containerd on Linux, Docker
// elsewhere).
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	if !cfg.Sandbox.Containerized {
		log.Info().Str("workspace", cfg.Workspace.Root).Msg("using direct host backend")
		return NewHostBackend(), nil
	}

	engine := cfg.Sandbox.Engine
	if engine == "" {
		engine = "auto"
	}

	switch engine {
	case "containerd":
		return newContainerdBackend(ctx, cfg)
	case "docker":
		return newDockerBackend(cfg)
	case "auto":
		if runtime.GOOS == "linux" {
			backend, err := newContainerdBackend(ctx, cfg)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return backend, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		backend, err := newDockerBackend(cfg)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return backend, nil
		}

		return nil, fmt.Errorf("%w: install Docker (macOS/Windows) or containerd (Linux)", ErrBackendDown)
	default:
		return nil, fmt.Errorf("unknown engine %q: must be auto, containerd, or docker", engine)
	}
}

func newContainerdBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	client, err := NewClient(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
	if err != nil {
		return nil, err
	}

	runner := NewContainerdBackend(client, cfg.Sandbox.Image, limitsFromConfig(cfg))

	cleaned, err := runner.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	return runner, nil
}

func newDockerBackend(cfg *config.Config) (Backend, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}

	if err := exec.Command("docker", "info").Run(); err != nil {
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}

	return NewDockerBackend(cfg.Sandbox.Image, limitsFromConfig(cfg), cfg.Security.SeccompProfile)
}

func limitsFromConfig(cfg *config.Config) ResourceLimits {
	limits := ResourceLimits{
		CPUShares: cfg.Sandbox.Limits.CPUShares,
		MemoryMB:  cfg.Sandbox.Limits.MemoryMB,
		PidsLimit: cfg.Sandbox.Limits.PidsLimit,
		DiskMB:    cfg.Sandbox.Limits.DiskMB,
	}
	if limits == (ResourceLimits{}) {
		return DefaultLimits()
	}
	return limits
}
