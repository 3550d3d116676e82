package session

import (
	"errors"
	"fmt"
	"regexp"
)

const maxNameLen = 64

// ErrInvalidName is wrapped by every ValidateName failure.
var ErrInvalidName = errors.New("invalid session name")

var nameChars = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidateName checks that name is usable as a directory and socket name and
// cannot be mistaken for a command-line flag.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > maxNameLen:
		return fmt.Errorf("%w %q: longer than %d characters", ErrInvalidName, name, maxNameLen)
	case !nameChars.MatchString(name):
		return fmt.Errorf("%w %q: only a-z, 0-9, '_' and '-' are allowed", ErrInvalidName, name)
	case name[0] == '-':
		return fmt.Errorf("%w %q: must not start with '-'", ErrInvalidName, name)
	}
	return nil
}
