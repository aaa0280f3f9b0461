package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/BaSui01/agentcore/agent"
)

// Common errors
var (
	// ErrNotFound is agent.ErrCheckpointNotFound so callers can match either.
	ErrNotFound     = agent.ErrCheckpointNotFound
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
)

// Store is an agent.CheckpointStorage with listing and lifecycle methods.
type Store interface {
	agent.CheckpointStorage

	// List returns the checkpoints of a session, oldest first.
	List(ctx context.Context, sessionID string) ([]*agent.Checkpoint, error)

	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// Latest returns the newest checkpoint of a session.
func Latest(ctx context.Context, s Store, sessionID string) (*agent.Checkpoint, error) {
	list, err := s.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no checkpoints for session %s", ErrNotFound, sessionID)
	}
	return list[len(list)-1], nil
}

func validate(cp *agent.Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("%w: nil checkpoint", ErrInvalidInput)
	}
	if cp.ID == "" {
		return fmt.Errorf("%w: checkpoint id is empty", ErrInvalidInput)
	}
	return nil
}

func encode(cp *agent.Checkpoint) ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint %s: %w", cp.ID, err)
	}
	return data, nil
}

func decode(data []byte) (*agent.Checkpoint, error) {
	var cp agent.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func sortByCreated(list []*agent.Checkpoint) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
