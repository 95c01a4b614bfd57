// Package store persists flattened document snapshots. The collaboration
// core only ever stores whole text, never CRDT operation logs.
package store

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when no snapshot exists for an id.
var ErrNotFound = errors.New("store: document not found")

// DocumentStore is the persistence collaborator injected into the server at
// startup. Implementations must be safe for concurrent use.
type DocumentStore interface {
	Load(ctx context.Context, id string) (string, error)
	Save(ctx context.Context, id, text string) error
	Close() error
}

// MemoryStore keeps snapshots in process memory. It is the fallback when no
// database is configured, and the fixture for tests.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]string)}
}

// Load returns the stored text or ErrNotFound.
func (m *MemoryStore) Load(_ context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	text, ok := m.docs[id]
	if !ok {
		return "", ErrNotFound
	}
	return text, nil
}

// Save overwrites the stored text for id.
func (m *MemoryStore) Save(_ context.Context, id, text string) error {
	m.mu.Lock()
	m.docs[id] = text
	m.mu.Unlock()
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
