package model

import (
	"errors"
	"fmt"
)

// ErrUnknownValue is the sentinel behind every unknown enum value.
// It marks a structural fault, never a governance denial.
var ErrUnknownValue = errors.New("unknown value")

// ValueError reports an enum value outside the governance vocabulary.
type ValueError struct {
	Kind  string
	Value string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Value)
}

// Unwrap lets callers match with errors.Is(err, ErrUnknownValue).
func (e *ValueError) Unwrap() error {
	return ErrUnknownValue
}
