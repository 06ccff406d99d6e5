package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// cloneNewuser is CLONE_NEWUSER from <linux/sched.h>.
const cloneNewuser = 0x10000000

// enosys makes a syscall look unimplemented, so callers take their
// fallback path instead of treating the denial as a policy error.
const enosys = 38

// baseSyscalls allows what build, test, and shell commands need: file
// and directory I/O, memory management, process lifecycle, threads and
// signals, clocks, and polling. No sockets.
func baseSyscalls(b *ProfileBuilder) *ProfileBuilder {
	b = b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "openat2", "close", "close_range", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl", "flock",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents64",
			"sendfile", "splice", "copy_file_range",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise", "membarrier",
		).
		AllowSyscalls(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"vfork",
			"kill", "tkill", "tgkill",
			"getpgid", "setpgid", "getpgrp",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
		).
		AllowSyscalls(
			"futex", "futex_waitv",
			"gettid",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"rt_sigsuspend", "rt_sigtimedwait",
			"sigaltstack",
			"sched_getaffinity", "sched_yield",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres", "clock_nanosleep",
			"gettimeofday", "nanosleep",
			"times",
		).
		AllowSyscalls(
			"getpid", "getppid",
			"getuid", "geteuid", "getgid", "getegid", "getgroups",
			"uname", "sysinfo",
			"getcwd",
			"getrlimit", "prlimit64",
		).
		AllowSyscalls(
			"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2",
		).
		AllowSyscalls(
			"getrandom",
			"arch_prctl", "prctl",
			"ioctl",
			"umask",
			"chmod", "fchmod", "fchmodat",
			"chdir", "fchdir",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat",
			"mkdir", "mkdirat", "rmdir",
			"symlink", "symlinkat", "link", "linkat",
			"truncate", "ftruncate", "fallocate",
			"fsync", "fdatasync", "sync_file_range",
			"statfs", "fstatfs",
			"utimensat",
			"memfd_create",
		)

	// Process creation needs clone, but a fresh user namespace is the
	// first step of most unprivileged escapes. The mask admits clone
	// only while CLONE_NEWUSER is clear. clone3 passes its flags in a
	// struct seccomp cannot inspect, so it reports ENOSYS and libc
	// falls back to clone, where the mask applies.
	b = b.AllowSyscallWithArgs("clone", []SyscallArg{
		{Index: 0, Value: cloneNewuser, ValueTwo: 0, Op: specs.OpMaskedEqual},
	})
	b = b.FailSyscalls(enosys, "clone3")

	return b
}

// dangerousSyscalls closes off kernel interfaces no sandboxed command
// has a reason to touch. Introspection and module loading trap so an
// attempt shows up as a SIGSYS crash; the rest fail quietly.
func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"init_module", "finit_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "move_mount", "open_tree", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality",
			"lookup_dcookie",
			"ioperm", "iopl",
		)
}

// DefaultProfile is the deny-by-default profile every containerized
// execution gets: enough surface for build and test tools, no sockets,
// no kernel interfaces.
func DefaultProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = baseSyscalls(b)
	b = dangerousSyscalls(b)
	return b.Build()
}

// NetworkAllowProfile extends the default profile with socket syscalls,
// for embedders whose policy grants network access. The stock backends
// never select it; they run with networking disabled entirely.
func NetworkAllowProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = baseSyscalls(b)

	b.AllowSyscalls(
		"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg",
		"getsockopt", "setsockopt",
		"getsockname", "getpeername",
		"shutdown",
	)

	b = dangerousSyscalls(b)
	return b.Build()
}
