package sandbox

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		args    []string
		wantErr bool
	}{
		{"plain command", "ls", nil, false},
		{"command with args", "go", []string{"test", "./..."}, false},
		{"flags allowed", "grep", []string{"-rn", "--color=never", "TODO"}, false},
		{"empty command", "", nil, true},
		{"whitespace command", "   ", nil, true},
		{"semicolon in command", "ls;rm", nil, true},
		{"command substitution backtick", "echo", []string{"`id`"}, true},
		{"dollar expansion", "echo", []string{"$HOME"}, true},
		{"and chain", "true", []string{"&&", "reboot"}, true},
		{"or chain", "false", []string{"||", "reboot"}, true},
		{"output redirect", "cat", []string{">", "/etc/passwd"}, true},
		{"input redirect", "cat", []string{"<", "/etc/shadow"}, true},
		{"subshell paren", "echo", []string{"(id)"}, true},
		{"brace expansion", "rm", []string{"{a,b}"}, true},
		{"command too long", strings.Repeat("a", maxCommandLen+1), nil, true},
		{"arg too long", "echo", []string{strings.Repeat("a", maxArgLen+1)}, true},
		{"too many args", "echo", make([]string, maxArgs+1), true},
		{"max args exactly", "echo", make([]string, maxArgs), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCommand(tt.command, tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCommand(%q, %v) error = %v, wantErr %v", tt.command, tt.args, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidCommand) {
				t.Errorf("error %v should wrap ErrInvalidCommand", err)
			}
		})
	}
}
