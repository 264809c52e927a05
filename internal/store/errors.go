package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("offline change not found")
	ErrStorage           = errors.New("offline change storage failure")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// storageError wraps a database failure so callers can tell durable-storage
// failures apart from lookups that simply found nothing.
func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
