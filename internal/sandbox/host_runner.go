package sandbox

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// HostBackend runs commands directly as host subprocesses. No
// isolation beyond a scrubbed environment and the workspace working
// directory; deployments wanting containment set sandbox.containerized.
type HostBackend struct{}

func NewHostBackend() *HostBackend {
	return &HostBackend{}
}

func (h *HostBackend) Name() string { return "host" }

func (h *HostBackend) Run(ctx context.Context, spec RunSpec, stdout, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...) // #nosec G204 -- argv validated and authorized upstream, never a shell line
	cmd.Dir = spec.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = hostEnv(spec.Dir)

	// Own process group, so the kill on timeout reaches anything the
	// command forked, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		// Start failure: binary missing, permission denied.
		return -1, err
	}
	return 0, nil
}

func (h *HostBackend) Close() error { return nil }

// hostEnv is the scrubbed environment commands see: the host PATH and
// nothing else inherited. HOME points into the workspace so tool
// caches land there instead of the real home directory.
func hostEnv(dir string) []string {
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"LANG=C.UTF-8",
		"SANDBOX=true",
	}
}
