package syncer

import "errors"

var (
	// ErrNotSuitable indicates a pass was skipped because connectivity is
	// not suitable for sync. No change was touched.
	ErrNotSuitable = errors.New("connectivity not suitable for sync")

	// ErrPassInProgress indicates another pass is already running.
	ErrPassInProgress = errors.New("sync pass already in progress")

	// ErrInvalidOperation indicates a queued operation failed validation.
	ErrInvalidOperation = errors.New("invalid operation")
)
