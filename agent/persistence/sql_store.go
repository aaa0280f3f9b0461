package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentcore/agent"
	"github.com/BaSui01/agentcore/internal/database"
	"github.com/BaSui01/agentcore/recovery"
)

// checkpointRecord is the row layout of the checkpoint table.
// The full checkpoint is kept as JSON; the other columns serve lookups.
type checkpointRecord struct {
	ID             string    `gorm:"primaryKey;size:64"`
	SessionID      string    `gorm:"size:128;index"`
	AgentID        string    `gorm:"size:128"`
	State          string    `gorm:"size:32"`
	Data           string    `gorm:"type:text"`
	CheckpointedAt time.Time `gorm:"index"`
}

// SQLStore is a GORM-based implementation of Store (postgres, mysql or sqlite).
type SQLStore struct {
	pool     *database.PoolManager
	table    string
	policy   *recovery.Policy
	ownsPool bool
	logger   *zap.Logger
}

// SQLOption configures a SQLStore
type SQLOption func(*SQLStore)

// WithTxPolicy runs every write through PoolManager.WithTransactionRetry
func WithTxPolicy(p *recovery.Policy) SQLOption {
	return func(s *SQLStore) { s.policy = p }
}

// WithOwnedPool makes Close also close the pool
func WithOwnedPool() SQLOption {
	return func(s *SQLStore) { s.ownsPool = true }
}

// NewSQLStore creates the checkpoint table if needed and returns the store
func NewSQLStore(pool *database.PoolManager, table string, logger *zap.Logger, opts ...SQLOption) (*SQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if table == "" {
		table = "agent_checkpoints"
	}

	s := &SQLStore{
		pool:   pool,
		table:  table,
		logger: logger.With(zap.String("component", "checkpoint_sql"), zap.String("table", table)),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := pool.DB().Table(table).AutoMigrate(&checkpointRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate checkpoint table: %w", err)
	}
	return s, nil
}

// Close closes the store
func (s *SQLStore) Close() error {
	if s.ownsPool {
		return s.pool.Close()
	}
	return nil
}

// Ping checks if the store is healthy
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *SQLStore) write(ctx context.Context, fn database.TransactionFunc) error {
	if s.policy != nil {
		return s.pool.WithTransactionRetry(ctx, s.policy, fn)
	}
	return s.pool.WithTransaction(ctx, fn)
}

// Save upserts a checkpoint
func (s *SQLStore) Save(ctx context.Context, cp *agent.Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	data, err := encode(cp)
	if err != nil {
		return err
	}

	rec := checkpointRecord{
		ID:             cp.ID,
		SessionID:      cp.SessionID,
		AgentID:        cp.AgentID,
		State:          string(cp.State),
		Data:           string(data),
		CheckpointedAt: cp.CreatedAt,
	}
	if rec.CheckpointedAt.IsZero() {
		rec.CheckpointedAt = time.Now()
	}

	err = s.write(ctx, func(tx *gorm.DB) error {
		return tx.Table(s.table).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&rec).Error
	})
	if err != nil {
		s.logger.Error("failed to save checkpoint", zap.String("checkpoint_id", cp.ID), zap.Error(err))
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load retrieves a checkpoint by ID
func (s *SQLStore) Load(ctx context.Context, id string) (*agent.Checkpoint, error) {
	var rec checkpointRecord
	err := s.pool.DB().WithContext(ctx).Table(s.table).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return decode([]byte(rec.Data))
}

// Delete removes a checkpoint
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *gorm.DB) error {
		return tx.Table(s.table).Where("id = ?", id).Delete(&checkpointRecord{}).Error
	})
}

// List returns the checkpoints of a session, oldest first
func (s *SQLStore) List(ctx context.Context, sessionID string) ([]*agent.Checkpoint, error) {
	var recs []checkpointRecord
	err := s.pool.DB().WithContext(ctx).Table(s.table).
		Where("session_id = ?", sessionID).
		Order("checkpointed_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := make([]*agent.Checkpoint, 0, len(recs))
	for _, rec := range recs {
		cp, err := decode([]byte(rec.Data))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}
