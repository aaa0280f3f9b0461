package persistence

import (
	"context"
	"sync"

	"github.com/BaSui01/agentcore/agent"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
// Checkpoints are stored encoded so callers never share state with the store.
type MemoryStore struct {
	data   map[string][]byte
	mu     sync.RWMutex
	closed bool
}

// NewMemoryStore creates a new in-memory checkpoint store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Close closes the store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save persists a checkpoint, replacing any with the same ID
func (s *MemoryStore) Save(ctx context.Context, cp *agent.Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	data, err := encode(cp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.data[cp.ID] = data
	return nil
}

// Load retrieves a checkpoint by ID
func (s *MemoryStore) Load(ctx context.Context, id string) (*agent.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	data, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return decode(data)
}

// Delete removes a checkpoint. Deleting a missing checkpoint is not an error.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.data, id)
	return nil
}

// List returns the checkpoints of a session, oldest first
func (s *MemoryStore) List(ctx context.Context, sessionID string) ([]*agent.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []*agent.Checkpoint
	for _, data := range s.data {
		cp, err := decode(data)
		if err != nil {
			return nil, err
		}
		if cp.SessionID == sessionID {
			out = append(out, cp)
		}
	}
	sortByCreated(out)
	return out, nil
}
