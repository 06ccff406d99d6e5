package sandbox

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"agent-gatekeeper/pkg/seccomp"
)

// The containerd backend locks every task down the same way. Policy
// decides whether a command runs at all; the envelope decides what a
// running command can reach. Nothing in it is per-request configurable.

// sandboxUID is the uid and gid tasks run as, nobody on stock images.
const sandboxUID = 65534

// maskedKernelPaths are hidden from the container entirely. They leak
// host state (kcore, keys, timer stats) or expose firmware interfaces.
var maskedKernelPaths = []string{
	"/proc/acpi",
	"/proc/kcore",
	"/proc/keys",
	"/proc/latency_stats",
	"/proc/timer_list",
	"/proc/timer_stats",
	"/proc/sched_debug",
	"/proc/scsi",
	"/sys/firmware",
	"/sys/devices/virtual/powercap",
}

// readonlyKernelPaths stay visible but reject writes.
var readonlyKernelPaths = []string{
	"/proc/asound",
	"/proc/bus",
	"/proc/fs",
	"/proc/irq",
	"/proc/sys",
	"/proc/sysrq-trigger",
}

// harden rewrites an OCI spec into the execution envelope: deny-by-default
// seccomp, zero capabilities, fresh namespaces for everything including
// network, the nobody uid, a read-only root, and sensitive kernel paths
// masked. The workspace bind mount added later by the backend is the only
// writable host surface a task ever sees.
func harden(s *specs.Spec) {
	if s.Linux == nil {
		s.Linux = &specs.Linux{}
	}
	if s.Process == nil {
		s.Process = &specs.Process{}
	}

	s.Linux.Seccomp = seccomp.DefaultProfile()
	s.Linux.Namespaces = []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.NetworkNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.IPCNamespace},
		{Type: specs.UserNamespace},
	}
	s.Linux.MaskedPaths = maskedKernelPaths
	s.Linux.ReadonlyPaths = readonlyKernelPaths

	// Replace whatever capability sets the image config asked for.
	none := []string{}
	s.Process.Capabilities = &specs.LinuxCapabilities{
		Bounding:    none,
		Effective:   none,
		Inheritable: none,
		Permitted:   none,
		Ambient:     none,
	}
	s.Process.NoNewPrivileges = true
	s.Process.User = specs.User{UID: sandboxUID, GID: sandboxUID}

	if s.Root != nil {
		s.Root.Readonly = true
	}
}
