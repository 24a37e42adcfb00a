package instance

import (
	"errors"
	"fmt"
)

// MaxNameLen bounds an instance name.
const MaxNameLen = 64

// ErrInvalidName is wrapped by every ValidateName failure.
var ErrInvalidName = errors.New("invalid instance name")

// ValidateName accepts lowercase letters, digits, '-' and '_'. The name
// becomes a directory under instances/, so nothing else is allowed.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLen:
		return fmt.Errorf("%w: %d bytes, limit is %d", ErrInvalidName, len(name), MaxNameLen)
	}
	for i := 0; i < len(name); i++ {
		switch c := name[i]; {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return fmt.Errorf("%w: %q contains %q (use a-z, 0-9, '-' or '_')", ErrInvalidName, name, c)
		}
	}
	return nil
}
