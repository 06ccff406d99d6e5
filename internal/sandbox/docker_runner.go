package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"agent-gatekeeper/pkg/seccomp"
)

// DockerBackend runs commands through the docker CLI (macOS, or Linux
// without containerd). Every container gets the same fixed envelope:
// no network, read-only rootfs, all capabilities dropped, seccomp, the
// nobody user, and the configured resource limits. Only the image and
// the workspace mount vary per deployment.
type DockerBackend struct {
	image       string
	limits      ResourceLimits
	seccompPath string
	seccompTemp bool // profile written by us, removed on Close

	dockerHost    string // resolved DOCKER_HOST (e.g. from Docker context)
	cancelCleanup context.CancelFunc
}

func NewDockerBackend(image string, limits ResourceLimits, seccompOverride string) (*DockerBackend, error) {
	d := &DockerBackend{
		image:      image,
		limits:     limits,
		dockerHost: resolveDockerHost(),
	}

	if seccompOverride != "" {
		d.seccompPath = seccompOverride
	} else {
		profileJSON, err := seccomp.DockerProfileJSON()
		if err != nil {
			return nil, fmt.Errorf("building seccomp profile: %w", err)
		}
		f, err := os.CreateTemp("", "gatekeeper-seccomp-*.json")
		if err != nil {
			return nil, fmt.Errorf("writing seccomp profile: %w", err)
		}
		if _, err := f.Write(profileJSON); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, fmt.Errorf("writing seccomp profile: %w", err)
		}
		f.Close()
		d.seccompPath = f.Name()
		d.seccompTemp = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d, nil
}

func (d *DockerBackend) Name() string { return "docker" }

func (d *DockerBackend) Run(ctx context.Context, spec RunSpec, stdout, stderr io.Writer) (int, error) {
	name := "gatekeeper-" + spec.ID
	args := d.buildDockerArgs(name, spec)

	cmd := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- args built internally by buildDockerArgs, command and argv appended verbatim with no shell
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	log.Debug().Str("container", name).Str("image", d.image).Msg("starting docker container")

	err := cmd.Run()
	if ctx.Err() != nil {
		// Killing the docker CLI client leaves the container running;
		// take it down explicitly.
		d.removeContainer(name)
		return -1, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// buildDockerArgs assembles the fixed hardening envelope plus the
// command argument vector. The command is appended after the image, so
// Docker treats it as the entrypoint argv, never as a shell line.
func (d *DockerBackend) buildDockerArgs(name string, spec RunSpec) []string {
	args := []string{
		"run", "--rm",
		"--name", name,
		"--network", "none",
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + d.seccompPath,
		"--memory", fmt.Sprintf("%dm", d.limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", d.limits.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", d.limits.PidsLimit),
		"--cpus", fmt.Sprintf("%.1f", d.limits.CPUs()),
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%dm", d.limits.DiskMB),
		"--user", "65534:65534",
		"-v", spec.Dir + ":/workspace:rw",
		"-w", "/workspace",
		"-e", "HOME=/tmp",
		"-e", "LANG=C.UTF-8",
		"-e", "SANDBOX=true",
		d.image,
		spec.Command,
	}
	return append(args, spec.Args...)
}

func (d *DockerBackend) removeContainer(name string) {
	kill := exec.Command("docker", "rm", "-f", name) // #nosec G204 -- name built from our own execution id
	if d.dockerHost != "" {
		kill.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	if err := kill.Run(); err != nil {
		log.Warn().Err(err).Str("container", name).Msg("failed to remove container")
	}
}

// orphanCleanupLoop periodically removes containers that survived a
// server crash.
func (d *DockerBackend) orphanCleanupLoop(ctx context.Context) {
	d.cleanupOrphans()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans()
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerBackend) cleanupOrphans() {
	cmd := exec.Command("docker", "ps", "--filter", "name=gatekeeper-", "-q") // #nosec G204 -- no user input
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	out, err := cmd.Output()
	if err != nil {
		return
	}
	for _, id := range strings.Fields(strings.TrimSpace(string(out))) {
		log.Warn().Str("container_id", id).Msg("removing orphaned container")
		d.removeContainer(id)
	}
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker
// Desktop uses a context-specific socket that child processes don't
// inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *DockerBackend) Close() error {
	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}
	if d.seccompTemp {
		_ = os.Remove(d.seccompPath)
	}
	return nil
}
