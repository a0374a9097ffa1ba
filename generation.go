package offlineshell

import (
	"errors"
	"fmt"
)

// MaxGenerationLength bounds the length of a generation tag.
const MaxGenerationLength = 128

// ErrInvalidGeneration is returned when a generation tag is malformed.
var ErrInvalidGeneration = errors.New("invalid generation")

// Generation identifies one cache epoch. It is fixed at deploy time and
// exactly one generation is current at a time; every other one is garbage.
type Generation string

// ParseGeneration validates a generation tag.
// Tags are non-empty and limited to letters, digits, '.', '_' and '-'.
func ParseGeneration(s string) (Generation, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidGeneration)
	}
	if len(s) > MaxGenerationLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidGeneration, MaxGenerationLength)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return "", fmt.Errorf("%w: unexpected character %q in %q", ErrInvalidGeneration, c, s)
		}
	}
	return Generation(s), nil
}

// String implements fmt.Stringer.
func (g Generation) String() string {
	return string(g)
}
