package lamp

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateOrigin is returned when the origin already owns a lamp.
	ErrDuplicateOrigin = errors.New("origin already contributed")
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrStoreUnavailable marks transient infrastructure failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned by lookups that match nothing.
	ErrNotFound = errors.New("not found")
)

// ValidationError describes malformed input the caller must correct.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Unavailable wraps an infrastructure error so it matches ErrStoreUnavailable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
