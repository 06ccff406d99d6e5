// Package tools exposes a small set of named development commands that
// run through the execution sandbox like any other command. A tool is
// only a command template; validation, authorization, and timeouts all
// happen downstream in the sandbox manager.
package tools

import (
	"errors"
	"fmt"
	"time"

	"agent-gatekeeper/internal/sandbox"
)

// ErrUnknown marks a lookup for a tool that is not registered.
var ErrUnknown = errors.New("unknown tool")

// Tool is a named command template. The target given to Resolve is
// appended as the final argument.
type Tool struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Command     string        `json:"command"`
	Args        []string      `json:"args"`
	Timeout     time.Duration `json:"timeout"`
}

// Registry maps tool names to their definitions, preserving
// registration order for listings. Tools are registered during startup
// and read-only afterwards.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry creates a registry preloaded with the built-in Go
// development shims.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	r.Register(Tool{
		Name:        "fmt",
		Description: "list files whose formatting differs from gofmt",
		Command:     "gofmt",
		Args:        []string{"-l"},
		Timeout:     30 * time.Second,
	})
	r.Register(Tool{
		Name:        "vet",
		Description: "report likely mistakes found by go vet",
		Command:     "go",
		Args:        []string{"vet"},
		Timeout:     2 * time.Minute,
	})
	r.Register(Tool{
		Name:        "test",
		Description: "run go test",
		Command:     "go",
		Args:        []string{"test"},
		Timeout:     4 * time.Minute,
	})
	return r
}

// Register adds or replaces a tool. Replacement keeps the original
// list position.
func (r *Registry) Register(t Tool) {
	if _, ok := r.tools[t.Name]; !ok {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns the tool for the given name.
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return t, nil
}

// Tools returns all registered tools in registration order.
func (r *Registry) Tools() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Resolve builds the command request for a tool run. A non-empty
// target (a package path, a file, a test pattern) becomes the final
// argument. Session identity is the caller's to fill in.
func (r *Registry) Resolve(name, target string) (sandbox.CommandRequest, error) {
	t, err := r.Get(name)
	if err != nil {
		return sandbox.CommandRequest{}, err
	}
	args := append([]string(nil), t.Args...)
	if target != "" {
		args = append(args, target)
	}
	return sandbox.CommandRequest{
		Command: t.Command,
		Args:    args,
		Timeout: t.Timeout,
	}, nil
}
