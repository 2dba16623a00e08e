package topics

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu     sync.RWMutex
	topics map[string]*Snapshot
	order  []string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		topics: make(map[string]*Snapshot),
	}
}

// Get returns a copy of the topic snapshot
func (m *MemoryStore) Get(_ context.Context, id string) (Snapshot, error) {
	if id == "" {
		return Snapshot{}, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.topics[id]
	if !ok {
		return Snapshot{}, ErrTopicNotFound
	}
	return clone(s), nil
}

// Append adds a chunk to the topic
func (m *MemoryStore) Append(_ context.Context, id, description string, chunk ContentChunk) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.topics[id]
	if !ok {
		s = &Snapshot{ID: id}
		m.topics[id] = s
		m.order = append(m.order, id)
	}
	apply(s, description, chunk, time.Now())
	return nil
}

// List returns all topics in creation order
func (m *MemoryStore) List(_ context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, clone(m.topics[id]))
	}
	return out, nil
}

// Clear removes every topic
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topics = make(map[string]*Snapshot)
	m.order = nil
	return nil
}

func clone(s *Snapshot) Snapshot {
	out := *s
	out.Content = append([]ContentChunk(nil), s.Content...)
	return out
}
