package remote

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Call records one operation received by Memory.
type Call struct {
	Op         string
	EntityType string
	EntityID   string
	Data       map[string]any
}

// FailFunc decides whether a call should fail. Returning nil lets it proceed.
type FailFunc func(call Call) error

// Memory is an in-process API backed by maps. Server IDs are UUIDs.
type Memory struct {
	mu       sync.Mutex
	entities map[string]map[string]map[string]any
	calls    []Call
	fail     FailFunc
}

// NewMemory creates an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{entities: make(map[string]map[string]map[string]any)}
}

// SetFailFunc installs a failure hook consulted before every call.
func (m *Memory) SetFailFunc(f FailFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = f
}

// Seed stores an entity without recording a call.
func (m *Memory) Seed(entityType, entityID string, data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(entityType, entityID, data)
}

// Get returns a stored entity without recording a call.
func (m *Memory) Get(entityType, entityID string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[entityType][entityID]
	return clone(e), ok
}

// Calls returns every recorded call in arrival order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// WriteCalls returns recorded create, update and delete calls.
func (m *Memory) WriteCalls() []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op != "fetch" {
			out = append(out, c)
		}
	}
	return out
}

func (m *Memory) record(ctx context.Context, call Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.calls = append(m.calls, call)
	if m.fail != nil {
		return m.fail(call)
	}
	return nil
}

func (m *Memory) put(entityType, entityID string, data map[string]any) map[string]any {
	byID, ok := m.entities[entityType]
	if !ok {
		byID = make(map[string]map[string]any)
		m.entities[entityType] = byID
	}
	stored := make(map[string]any, len(data)+1)
	for k, v := range data {
		stored[k] = v
	}
	stored[IDField] = entityID
	byID[entityID] = stored
	return clone(stored)
}

// Fetch implements API.
func (m *Memory) Fetch(ctx context.Context, entityType, entityID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, Call{Op: "fetch", EntityType: entityType, EntityID: entityID}); err != nil {
		return nil, err
	}
	e, ok := m.entities[entityType][entityID]
	if !ok {
		return nil, &Error{Kind: ErrNotFound, Status: 404}
	}
	return clone(e), nil
}

// Create implements API.
func (m *Memory) Create(ctx context.Context, entityType, entityID string, data map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, Call{Op: "create", EntityType: entityType, EntityID: entityID, Data: clone(data)}); err != nil {
		return nil, err
	}
	if entityID == "" {
		entityID = uuid.NewString()
	} else if _, exists := m.entities[entityType][entityID]; exists {
		return nil, &Error{Kind: ErrConflict, Status: 409, Message: "entity already exists"}
	}
	return m.put(entityType, entityID, data), nil
}

// Update implements API.
func (m *Memory) Update(ctx context.Context, entityType, entityID string, data map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, Call{Op: "update", EntityType: entityType, EntityID: entityID, Data: clone(data)}); err != nil {
		return nil, err
	}
	if _, ok := m.entities[entityType][entityID]; !ok {
		return nil, &Error{Kind: ErrNotFound, Status: 404}
	}
	return m.put(entityType, entityID, data), nil
}

// Delete implements API.
func (m *Memory) Delete(ctx context.Context, entityType, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, Call{Op: "delete", EntityType: entityType, EntityID: entityID}); err != nil {
		return err
	}
	if _, ok := m.entities[entityType][entityID]; !ok {
		return &Error{Kind: ErrNotFound, Status: 404}
	}
	delete(m.entities[entityType], entityID)
	return nil
}

func clone(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
