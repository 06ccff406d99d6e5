package sandbox

import (
	"strings"
	"testing"
)

// newTestDockerBackend builds a DockerBackend suitable for unit tests.
// It bypasses NewDockerBackend to avoid Docker host resolution, the
// temp seccomp profile, and the cleanup goroutine.
func newTestDockerBackend() *DockerBackend {
	return &DockerBackend{
		image:       "alpine:3.20",
		limits:      DefaultLimits(),
		seccompPath: "/tmp/seccomp.json",
	}
}

// argsContain returns true if the args slice contains needle.
func argsContain(args []string, needle string) bool {
	for _, a := range args {
		if a == needle {
			return true
		}
	}
	return false
}

// argsContainPrefix returns true if any arg starts with the given prefix.
func argsContainPrefix(args []string, prefix string) bool {
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			return true
		}
	}
	return false
}

func TestBuildDockerArgs_HardeningEnvelope(t *testing.T) {
	d := newTestDockerBackend()

	args := d.buildDockerArgs("gatekeeper-exec-1", RunSpec{
		ID:      "exec-1",
		Command: "ls",
		Args:    []string{"-la"},
		Dir:     "/srv/workspace",
	})

	if !argsContain(args, "none") {
		t.Error("expected --network none")
	}
	if !argsContain(args, "--read-only") {
		t.Error("expected --read-only rootfs")
	}
	if !argsContain(args, "ALL") {
		t.Error("expected --cap-drop ALL")
	}
	if !argsContain(args, "no-new-privileges") {
		t.Error("expected --security-opt no-new-privileges")
	}
	if !argsContain(args, "seccomp=/tmp/seccomp.json") {
		t.Error("expected seccomp profile security opt")
	}
	if !argsContain(args, "65534:65534") {
		t.Error("expected --user 65534:65534")
	}
	if !argsContain(args, "/srv/workspace:/workspace:rw") {
		t.Error("expected workspace bind mount")
	}
	if !argsContain(args, "/workspace") {
		t.Error("expected -w /workspace")
	}
}

func TestBuildDockerArgs_ResourceLimits(t *testing.T) {
	d := newTestDockerBackend()

	args := d.buildDockerArgs("gatekeeper-exec-2", RunSpec{
		ID:      "exec-2",
		Command: "true",
		Dir:     "/srv/workspace",
	})

	// DefaultLimits: 256 MB memory, 64 pids, 512 shares, 128 MB tmpfs.
	if !argsContain(args, "256m") {
		t.Error("expected --memory 256m")
	}
	if !argsContain(args, "64") {
		t.Error("expected --pids-limit 64")
	}
	if !argsContain(args, "0.5") {
		t.Error("expected --cpus 0.5 for 512 shares")
	}
	if !argsContainPrefix(args, "/tmp:rw,nosuid,nodev,size=128m") {
		t.Error("expected tmpfs mount with size cap")
	}
}

func TestBuildDockerArgs_ArgvPassedVerbatim(t *testing.T) {
	d := newTestDockerBackend()

	args := d.buildDockerArgs("gatekeeper-exec-3", RunSpec{
		ID:      "exec-3",
		Command: "grep",
		Args:    []string{"-r", "TODO README", "."},
		Dir:     "/srv/workspace",
	})

	// Command and args trail the image, each its own argv element.
	imgIdx := -1
	for i, a := range args {
		if a == d.image {
			imgIdx = i
			break
		}
	}
	if imgIdx < 0 {
		t.Fatalf("image %q not found in args", d.image)
	}
	tail := args[imgIdx+1:]
	want := []string{"grep", "-r", "TODO README", "."}
	if len(tail) != len(want) {
		t.Fatalf("argv tail = %v, want %v", tail, want)
	}
	for i := range want {
		if tail[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, tail[i], want[i])
		}
	}
}

func TestBuildDockerArgs_ScrubbedEnv(t *testing.T) {
	d := newTestDockerBackend()

	args := d.buildDockerArgs("gatekeeper-exec-4", RunSpec{
		ID:      "exec-4",
		Command: "env",
		Dir:     "/srv/workspace",
	})

	if !argsContain(args, "SANDBOX=true") {
		t.Error("expected SANDBOX=true env var")
	}
	if !argsContain(args, "HOME=/tmp") {
		t.Error("expected HOME=/tmp env var")
	}
	if argsContainPrefix(args, "AWS_") || argsContainPrefix(args, "GITHUB_TOKEN") {
		t.Error("host credentials must not leak into the container env")
	}
}
