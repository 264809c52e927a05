package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   error
	}{
		{http.StatusBadRequest, ErrValidation},
		{http.StatusUnprocessableEntity, ErrValidation},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrUnauthorized},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusTooManyRequests, ErrServer},
		{http.StatusBadGateway, ErrServer},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := FromStatus(tt.status, "msg")
			if !errors.Is(err, tt.kind) {
				t.Errorf("FromStatus(%d) kind = %v, want %v", tt.status, err.Kind, tt.kind)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", &Error{Kind: ErrNetwork}, true},
		{"server", FromStatus(503, ""), true},
		{"unauthorized", FromStatus(401, ""), true},
		{"validation", FromStatus(422, ""), false},
		{"conflict", FromStatus(409, ""), false},
		{"wrapped validation", fmt.Errorf("update: %w", FromStatus(400, "")), false},
		{"deadline", context.DeadlineExceeded, true},
		{"unclassified", errors.New("boom"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestError_MessageAndUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := &Error{Kind: ErrNetwork, Err: cause}

	if !errors.Is(err, cause) || !errors.Is(err, ErrNetwork) {
		t.Error("expected both kind and cause to be reachable")
	}
	if !strings.Contains(err.Error(), "refused") {
		t.Errorf("message missing cause: %s", err.Error())
	}

	withStatus := FromStatus(422, "name is required")
	if got := withStatus.Error(); got != "validation rejected (status 422): name is required" {
		t.Errorf("Error() = %q", got)
	}
}
