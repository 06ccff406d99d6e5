// Package seccomp builds the OCI seccomp profiles the execution
// backends apply to containerized commands. Profiles are deny by
// default: anything not explicitly allowed fails with EPERM.
package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ProfileBuilder assembles a LinuxSeccomp profile rule by rule.
type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *ProfileBuilder) AllowSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.ActAllow, nil, nil, names...)
}

func (b *ProfileBuilder) BlockSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.ActErrno, nil, nil, names...)
}

// TrapSyscalls delivers SIGSYS instead of an errno. A trapped call
// turns an escape attempt into a visible crash rather than a silently
// failed syscall the program can probe around.
func (b *ProfileBuilder) TrapSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.ActTrap, nil, nil, names...)
}

// FailSyscalls rejects the listed syscalls with a specific errno
// instead of the profile default.
func (b *ProfileBuilder) FailSyscalls(errno uint, names ...string) *ProfileBuilder {
	rc := errno
	return b.rule(specs.ActErrno, &rc, nil, names...)
}

// SyscallArg constrains one argument of an allowed syscall.
type SyscallArg struct {
	Index    uint   // argument index (0-5)
	Value    uint64 // comparison value, or the mask for OpMaskedEqual
	ValueTwo uint64 // expected result under OpMaskedEqual
	Op       specs.LinuxSeccompOperator
}

// AllowSyscallWithArgs allows a syscall only when its arguments satisfy
// every comparison.
func (b *ProfileBuilder) AllowSyscallWithArgs(name string, args []SyscallArg) *ProfileBuilder {
	specArgs := make([]specs.LinuxSeccompArg, len(args))
	for i, a := range args {
		specArgs[i] = specs.LinuxSeccompArg{
			Index:    a.Index,
			Value:    a.Value,
			ValueTwo: a.ValueTwo,
			Op:       a.Op,
		}
	}
	return b.rule(specs.ActAllow, nil, specArgs, name)
}

func (b *ProfileBuilder) WithArchitectures(archs ...specs.Arch) *ProfileBuilder {
	b.profile.Architectures = archs
	return b
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}

func (b *ProfileBuilder) rule(action specs.LinuxSeccompAction, errnoRet *uint, args []specs.LinuxSeccompArg, names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:    names,
		Action:   action,
		ErrnoRet: errnoRet,
		Args:     args,
	})
	return b
}
