package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/drfirst/go-cds/internal/domain/conversation"
)

type memoryRecord struct {
	session *conversation.Session
	events  []*conversation.Event
}

// MemoryStore keeps sessions for the lifetime of the process
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryRecord)}
}

// Load implements Store. The returned session shares nothing with the store.
func (m *MemoryStore) Load(_ context.Context, key string) (*conversation.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return copySession(rec.session), nil
}

// Save implements Store
func (m *MemoryStore) Save(_ context.Context, s *conversation.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[s.Key]
	stored := 0
	if exists {
		stored = rec.session.Version
	}
	if stored != s.Version {
		return fmt.Errorf("%w: %s at version %d, stored %d", ErrVersionConflict, s.Key, s.Version, stored)
	}
	if !exists {
		rec = &memoryRecord{}
		m.records[s.Key] = rec
	}

	for _, ev := range s.Changes() {
		ev.Version = s.Version + 1
	}
	rec.events = append(rec.events, s.Changes()...)
	s.Version++
	s.ClearChanges()
	rec.session = copySession(s)
	return nil
}

// Events returns the domain events committed for key, oldest first
func (m *MemoryStore) Events(key string) []*conversation.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return nil
	}
	out := make([]*conversation.Event, len(rec.events))
	copy(out, rec.events)
	return out
}

// Len returns the number of stored sessions
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func copySession(s *conversation.Session) *conversation.Session {
	return conversation.RestoreSession(s.Key, s.State.Clone(), s.Version, s.CreatedAt, s.UpdatedAt)
}
