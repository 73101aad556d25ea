package sessionstate

import (
	"context"
	"sort"
	"sync"

	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

// MemoryStore is an in-memory Store, useful for tests and single-process
// runs where durability across restarts isn't required.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*coremodel.SessionState
}

// NewMemoryStore creates an empty in-memory session-state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*coremodel.SessionState{}}
}

func (m *MemoryStore) Load(ctx context.Context, sessionID string) (*coremodel.SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return state.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, state *coremodel.SessionState) error {
	clone := state.Clone()
	clone.SchemaVersion = coremodel.SchemaVersion

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[clone.SessionID] = clone
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]coremodel.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]coremodel.Summary, 0, len(m.sessions))
	for _, state := range m.sessions {
		out = append(out, toSummary(state))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(m.sessions, sessionID)
	return true, nil
}

func (m *MemoryStore) Close() error { return nil }
