package repository

import (
	"errors"
	"fmt"
)

// ErrTransient marks a failure of the persistence layer itself (connection
// loss, timeouts, deadlocks). Callers may retry operations failing with it.
var ErrTransient = errors.New("persistence unavailable")

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
