// Package remote defines the backend contract the sync engine writes to and
// provides an HTTP client and an in-memory implementation of it.
package remote

import (
	"context"
)

// API executes CRUD operations per entity type. Implementations return the
// server's current representation of the entity or a typed *Error.
type API interface {
	// Fetch returns the server's view of the entity, or ErrNotFound.
	Fetch(ctx context.Context, entityType, entityID string) (map[string]any, error)

	// Create creates the entity. An empty entityID lets the server assign one;
	// the assigned ID is returned under the "id" key.
	Create(ctx context.Context, entityType, entityID string, data map[string]any) (map[string]any, error)

	// Update replaces the entity's fields with data.
	Update(ctx context.Context, entityType, entityID string, data map[string]any) (map[string]any, error)

	// Delete removes the entity.
	Delete(ctx context.Context, entityType, entityID string) error
}

// IDField is the payload key carrying the server-assigned entity ID.
const IDField = "id"
