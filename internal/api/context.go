package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	offsync "github.com/hyperengineering/offsync/internal/sync"
	"github.com/hyperengineering/offsync/internal/validation"
)

// changeContextKey is the context key for the change resolved from the URL.
type changeContextKey struct{}

// ErrNoChangeInContext indicates no change was found in the context.
var ErrNoChangeInContext = errors.New("no change in context")

// WithChange returns a new context with the change attached.
func WithChange(ctx context.Context, c *offsync.OfflineChange) context.Context {
	return context.WithValue(ctx, changeContextKey{}, c)
}

// ChangeFromContext extracts the change from the context.
func ChangeFromContext(ctx context.Context) (*offsync.OfflineChange, error) {
	c, ok := ctx.Value(changeContextKey{}).(*offsync.OfflineChange)
	if !ok || c == nil {
		return nil, ErrNoChangeInContext
	}
	return c, nil
}

// MustChangeFromContext extracts the change or panics.
// Use only behind ChangeCtx.
func MustChangeFromContext(ctx context.Context) *offsync.OfflineChange {
	c, err := ChangeFromContext(ctx)
	if err != nil {
		panic("change not in context: middleware misconfiguration")
	}
	return c
}

// ChangeCtx loads the change named by the {id} URL parameter into the
// request context, answering 400 for malformed IDs and 404 for unknown ones.
func (h *Handler) ChangeCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if verr := validation.ValidateULID("id", id); verr != nil {
			WriteProblem(w, r, http.StatusBadRequest, "Change id "+verr.Message)
			return
		}
		c, err := h.sync.GetChange(r.Context(), id)
		if err != nil {
			MapSyncError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithChange(r.Context(), c)))
	})
}
