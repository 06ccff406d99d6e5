package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ResourceLimits is the resource envelope for containerized executions.
// Set once from config at startup; a request cannot raise it.
type ResourceLimits struct {
	CPUShares int64 `json:"cpu_shares"` // 1024 = 1 CPU core
	MemoryMB  int64 `json:"memory_mb"`  // Hard memory limit
	PidsLimit int64 `json:"pids_limit"` // Max processes (fork bomb protection)
	DiskMB    int64 `json:"disk_mb"`    // Tmpfs size for /tmp
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		CPUShares: 512,
		MemoryMB:  256,
		PidsLimit: 64,
		DiskMB:    128,
	}
}

// CPUs converts the share count to fractional cores.
func (rl ResourceLimits) CPUs() float64 { return float64(rl.CPUShares) / 1024.0 }

func (rl ResourceLimits) memoryBytes() int64 { return rl.MemoryMB << 20 }
func (rl ResourceLimits) tmpfsBytes() int64  { return rl.DiskMB << 20 }

func (rl ResourceLimits) Validate() error {
	switch {
	case rl.CPUShares < 2 || rl.CPUShares > 4096:
		return fmt.Errorf("cpu_shares must be 2-4096, got %d", rl.CPUShares)
	case rl.MemoryMB < 16 || rl.MemoryMB > 4096:
		return fmt.Errorf("memory_mb must be 16-4096, got %d", rl.MemoryMB)
	case rl.PidsLimit < 5 || rl.PidsLimit > 500:
		return fmt.Errorf("pids_limit must be 5-500, got %d", rl.PidsLimit)
	case rl.DiskMB < 1 || rl.DiskMB > 2048:
		return fmt.Errorf("disk_mb must be 1-2048, got %d", rl.DiskMB)
	}
	return nil
}

// applyLimits writes the envelope into an OCI spec. CPU is capped with a
// CFS quota rather than shares: shares only bite under contention, a
// quota is absolute. /tmp is a bounded tmpfs so a task cannot fill the
// host disk, and rlimits restate the cgroup numbers inside the task.
func applyLimits(s *specs.Spec, rl ResourceLimits) {
	if s.Linux == nil {
		s.Linux = &specs.Linux{}
	}

	period := uint64(100000)
	quota := int64(rl.CPUs() * float64(period))
	if quota < 1000 {
		quota = 1000
	}
	mem := rl.memoryBytes()
	s.Linux.Resources = &specs.LinuxResources{
		CPU:    &specs.LinuxCPU{Period: &period, Quota: &quota},
		Memory: &specs.LinuxMemory{Limit: &mem, Swap: &mem},
		Pids:   &specs.LinuxPids{Limit: rl.PidsLimit},
	}

	if !hasMount(s.Mounts, "/tmp") {
		s.Mounts = append(s.Mounts, specs.Mount{
			Destination: "/tmp",
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options: []string{
				"nosuid", "nodev",
				fmt.Sprintf("size=%d", rl.tmpfsBytes()),
				"mode=1777",
			},
		})
	}

	nproc := uint64(rl.PidsLimit)
	fsize := uint64(rl.tmpfsBytes())
	s.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 256, Soft: 256},
		{Type: "RLIMIT_NPROC", Hard: nproc, Soft: nproc},
		{Type: "RLIMIT_FSIZE", Hard: fsize, Soft: fsize},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
		{Type: "RLIMIT_STACK", Hard: 8 << 20, Soft: 8 << 20},
	}
}

func hasMount(mounts []specs.Mount, dest string) bool {
	for _, m := range mounts {
		if m.Destination == dest {
			return true
		}
	}
	return false
}
