package sandbox

import (
	"fmt"
	"strings"
)

const (
	maxCommandLen = 1024
	maxArgLen     = 4096
	maxArgs       = 256
)

// blockedPatterns are shell metacharacter substrings screened out of
// every command and argument. Both backends exec an argument vector
// with no shell, so these cannot trigger interpretation on their own;
// the screen stays as a second layer in case a permitted binary hands
// its arguments to a shell. Literal substring checks only, quoting is
// not parsed.
var blockedPatterns = []string{";", "||", "&&", "$", "`", ">", "<", "(", "{"}

// ValidateCommand screens a command line before any policy or rate
// check runs. Pure: no I/O, no state.
func ValidateCommand(command string, args []string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: command is empty", ErrInvalidCommand)
	}
	if len(command) > maxCommandLen {
		return fmt.Errorf("%w: command exceeds %d bytes", ErrInvalidCommand, maxCommandLen)
	}
	if len(args) > maxArgs {
		return fmt.Errorf("%w: too many arguments (%d > %d)", ErrInvalidCommand, len(args), maxArgs)
	}
	if p := firstBlocked(command); p != "" {
		return fmt.Errorf("%w: command contains %q", ErrInvalidCommand, p)
	}
	for i, arg := range args {
		if len(arg) > maxArgLen {
			return fmt.Errorf("%w: argument %d exceeds %d bytes", ErrInvalidCommand, i, maxArgLen)
		}
		if p := firstBlocked(arg); p != "" {
			return fmt.Errorf("%w: argument %d contains %q", ErrInvalidCommand, i, p)
		}
	}
	return nil
}

func firstBlocked(s string) string {
	for _, p := range blockedPatterns {
		if strings.Contains(s, p) {
			return p
		}
	}
	return ""
}
