package tools

import (
	"errors"
	"testing"
	"time"
)

func TestBuiltinsRegistered(t *testing.T) {
	r := NewRegistry()

	for _, name := range []string{"fmt", "vet", "test"} {
		tool, err := r.Get(name)
		if err != nil {
			t.Fatalf("Get(%q) = %v", name, err)
		}
		if tool.Name != name {
			t.Errorf("tool name = %q, want %q", tool.Name, name)
		}
		if tool.Command == "" {
			t.Errorf("tool %q has empty command", name)
		}
		if tool.Timeout <= 0 {
			t.Errorf("tool %q has no timeout", name)
		}
	}
}

func TestGetUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("lint"); !errors.Is(err, ErrUnknown) {
		t.Errorf("Get(lint) error = %v, want ErrUnknown", err)
	}
}

func TestToolsOrdered(t *testing.T) {
	r := NewRegistry()

	names := make([]string, 0, 3)
	for _, tool := range r.Tools() {
		names = append(names, tool.Name)
	}
	want := []string{"fmt", "vet", "test"}
	if len(names) != len(want) {
		t.Fatalf("Tools() returned %d entries, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Tools()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestRegisterReplaceKeepsPosition(t *testing.T) {
	r := NewRegistry()
	r.Register(Tool{Name: "vet", Description: "replaced", Command: "go", Args: []string{"vet", "-json"}, Timeout: time.Minute})

	tools := r.Tools()
	if len(tools) != 3 {
		t.Fatalf("Tools() returned %d entries, want 3", len(tools))
	}
	if tools[1].Name != "vet" || tools[1].Description != "replaced" {
		t.Errorf("Tools()[1] = %+v, want replaced vet in place", tools[1])
	}
}

func TestResolve(t *testing.T) {
	r := NewRegistry()

	req, err := r.Resolve("fmt", "./internal")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if req.Command != "gofmt" {
		t.Errorf("Command = %q, want gofmt", req.Command)
	}
	if len(req.Args) != 2 || req.Args[0] != "-l" || req.Args[1] != "./internal" {
		t.Errorf("Args = %v, want [-l ./internal]", req.Args)
	}
	if req.Timeout != 30*time.Second {
		t.Errorf("Timeout = %s, want 30s", req.Timeout)
	}

	// No target: template args only.
	req, err = r.Resolve("vet", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(req.Args) != 1 || req.Args[0] != "vet" {
		t.Errorf("Args = %v, want [vet]", req.Args)
	}

	if _, err := r.Resolve("lint", ""); !errors.Is(err, ErrUnknown) {
		t.Errorf("Resolve(lint) error = %v, want ErrUnknown", err)
	}
}

func TestResolveDoesNotAliasTemplateArgs(t *testing.T) {
	r := NewRegistry()

	req, err := r.Resolve("test", "./...")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	req.Args[0] = "mutated"

	tool, _ := r.Get("test")
	if tool.Args[0] != "test" {
		t.Errorf("registry template mutated: %v", tool.Args)
	}
}
