package agent

import (
	"context"
	"errors"
	"sync"
)

// memStorage 测试用检查点存储
type memStorage struct {
	mu      sync.Mutex
	items   map[string]*Checkpoint
	order   []string
	saveErr error
	saves   int
}

func newMemStorage() *memStorage {
	return &memStorage{items: make(map[string]*Checkpoint)}
}

func (s *memStorage) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	cpy := *cp
	s.items[cp.ID] = &cpy
	s.order = append(s.order, cp.ID)
	return nil
}

func (s *memStorage) Load(_ context.Context, id string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.items[id]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	cpy := *cp
	return &cpy, nil
}

func (s *memStorage) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *memStorage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *memStorage) saved() []*Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Checkpoint, 0, len(s.order))
	for _, id := range s.order {
		if cp, ok := s.items[id]; ok {
			out = append(out, cp)
		}
	}
	return out
}

var errDiskFull = errors.New("disk full")
