package health

import (
	"errors"
	"fmt"
)

var (
	// ErrCheckFailed is returned when one or more checks fail.
	ErrCheckFailed = errors.New("health: check failed")

	// ErrDegraded marks a check result that allows traffic but needs attention.
	ErrDegraded = errors.New("health: degraded")
)

// Degraded wraps err so the check reports degraded instead of unhealthy.
func Degraded(err error) error {
	if err == nil {
		return ErrDegraded
	}
	return fmt.Errorf("%w: %w", ErrDegraded, err)
}
