package seccomp

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestDefaultProfile_DenyByDefault(t *testing.T) {
	p := DefaultProfile()
	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
}

func TestDefaultProfile_AllowsToolchainBasics(t *testing.T) {
	p := DefaultProfile()

	needed := map[string]bool{
		"execve":       false,
		"openat":       false,
		"write":        false,
		"memfd_create": false,
	}
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActAllow {
			continue
		}
		for _, name := range rule.Names {
			if _, ok := needed[name]; ok {
				needed[name] = true
			}
		}
	}
	for name, found := range needed {
		if !found {
			t.Errorf("default profile missing allowed syscall %q", name)
		}
	}
}

func TestDefaultProfile_CloneMaskedAgainstUserNamespaces(t *testing.T) {
	p := DefaultProfile()

	var cloneRule *specs.LinuxSyscall
	for i, rule := range p.Syscalls {
		for _, name := range rule.Names {
			if name == "clone" {
				cloneRule = &p.Syscalls[i]
			}
		}
	}
	if cloneRule == nil {
		t.Fatal("no clone rule in default profile")
	}
	if cloneRule.Action != specs.ActAllow {
		t.Fatalf("clone rule action = %v, want ActAllow", cloneRule.Action)
	}
	if len(cloneRule.Args) != 1 {
		t.Fatalf("clone rule has %d arg constraints, want 1", len(cloneRule.Args))
	}
	arg := cloneRule.Args[0]
	if arg.Op != specs.OpMaskedEqual {
		t.Errorf("clone arg op = %v, want OpMaskedEqual", arg.Op)
	}
	if arg.Value != cloneNewuser || arg.ValueTwo != 0 {
		t.Errorf("clone arg mask = (%#x, %#x), want (%#x, 0)", arg.Value, arg.ValueTwo, uint64(cloneNewuser))
	}
}

func TestDefaultProfile_Clone3ReportsENOSYS(t *testing.T) {
	p := DefaultProfile()

	for _, rule := range p.Syscalls {
		for _, name := range rule.Names {
			if name != "clone3" {
				continue
			}
			if rule.Action != specs.ActErrno {
				t.Errorf("clone3 action = %v, want ActErrno", rule.Action)
			}
			if rule.ErrnoRet == nil || *rule.ErrnoRet != enosys {
				t.Errorf("clone3 errno = %v, want %d", rule.ErrnoRet, enosys)
			}
			return
		}
	}
	t.Fatal("no clone3 rule in default profile")
}

func TestDefaultProfile_TrapsIntrospection(t *testing.T) {
	p := DefaultProfile()

	trapped := map[string]bool{"ptrace": false, "bpf": false, "process_vm_readv": false}
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActTrap {
			continue
		}
		for _, name := range rule.Names {
			if _, ok := trapped[name]; ok {
				trapped[name] = true
			}
		}
	}
	for name, found := range trapped {
		if !found {
			t.Errorf("%q should trap in the default profile", name)
		}
	}
}

func TestNetworkProfile_HasSocketSyscalls(t *testing.T) {
	p := NetworkAllowProfile()

	needed := map[string]bool{"socket": false, "connect": false, "bind": false}
	for _, rule := range p.Syscalls {
		if rule.Action == specs.ActAllow {
			for _, name := range rule.Names {
				if _, ok := needed[name]; ok {
					needed[name] = true
				}
			}
		}
	}
	for name, found := range needed {
		if !found {
			t.Errorf("network profile missing allowed syscall %q", name)
		}
	}
}

func TestDefaultProfile_NoNetworkSyscalls(t *testing.T) {
	p := DefaultProfile()
	for _, rule := range p.Syscalls {
		if rule.Action == specs.ActAllow {
			for _, name := range rule.Names {
				if name == "socket" {
					t.Error("default (no-network) profile should not allow 'socket'")
					return
				}
			}
		}
	}
}

func TestDockerProfileJSON_ValidJSON(t *testing.T) {
	data, err := DockerProfileJSON()
	if err != nil {
		t.Fatalf("DockerProfileJSON: %v", err)
	}

	var dp struct {
		DefaultAction string `json:"defaultAction"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if dp.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ERRNO", dp.DefaultAction)
	}
	if len(dp.Syscalls) == 0 {
		t.Error("expected syscall rules, got none")
	}
}

func TestProfileBuilder(t *testing.T) {
	p := NewBuilder().AllowSyscalls("read", "write").Build()

	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
	if len(p.Syscalls) != 1 {
		t.Fatalf("got %d rules, want 1", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if len(rule.Names) != 2 {
		t.Errorf("got %d names, want 2", len(rule.Names))
	}
	if rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
}
