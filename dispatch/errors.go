package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no dispatch exists for the identifier.
	ErrNotFound = errors.New("dispatch: not found")
	// ErrForbidden is returned when the actor may not perform the change.
	ErrForbidden = errors.New("dispatch: forbidden")
)

// ValidationError reports a malformed or disallowed field in a payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("dispatch: invalid payload: %s", e.Reason)
	}
	return fmt.Sprintf("dispatch: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
