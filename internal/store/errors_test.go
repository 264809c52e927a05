package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors_Identity(t *testing.T) {
	sentinels := []struct {
		name string
		err  error
	}{
		{"ErrNotFound", ErrNotFound},
		{"ErrStorage", ErrStorage},
		{"ErrInvalidTransition", ErrInvalidTransition},
	}

	for _, s := range sentinels {
		t.Run(s.name, func(t *testing.T) {
			if s.err == nil {
				t.Fatal("Sentinel error should not be nil")
			}
			if s.err.Error() == "" {
				t.Fatal("Sentinel error should have a message")
			}
		})
	}
}

func TestStorageError_WrapsBoth(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := storageError("insert offline change", cause)

	if !errors.Is(err, ErrStorage) {
		t.Error("expected errors.Is(err, ErrStorage)")
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is(err, cause)")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("storage error must not match ErrNotFound")
	}
}

func TestNotFound_WrappedStillMatches(t *testing.T) {
	err := fmt.Errorf("change %s: %w", "01ABC", ErrNotFound)
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected wrapped ErrNotFound to match")
	}
}
