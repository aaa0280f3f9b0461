package persistence

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcore/config"
	"github.com/BaSui01/agentcore/internal/database"
	"github.com/BaSui01/agentcore/recovery"
)

// Backends holds the shared connections a store may be built on.
// Stores never close connections they did not create.
type Backends struct {
	Redis    *redis.Client
	Pool     *database.PoolManager
	TxPolicy *recovery.Policy
	Logger   *zap.Logger
}

// NewStore creates a Store based on the checkpoint configuration
func NewStore(cfg config.CheckpointConfig, b Backends) (Store, error) {
	switch StoreType(cfg.Backend) {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeFile:
		return NewFileStore(cfg.Dir)
	case StoreTypeRedis:
		if b.Redis == nil {
			return nil, fmt.Errorf("redis checkpoint store requires a redis client")
		}
		return NewRedisStore(b.Redis, cfg.KeyPrefix, WithTTL(cfg.TTL)), nil
	case StoreTypeSQL:
		if b.Pool == nil {
			return nil, fmt.Errorf("sql checkpoint store requires a database pool")
		}
		var opts []SQLOption
		if b.TxPolicy != nil {
			opts = append(opts, WithTxPolicy(b.TxPolicy))
		}
		return NewSQLStore(b.Pool, cfg.TableName, b.Logger, opts...)
	default:
		return nil, fmt.Errorf("unsupported checkpoint store type: %s", cfg.Backend)
	}
}

// MustNewStore creates a Store or panics on error.
//
// WARNING: only use during application initialization.
func MustNewStore(cfg config.CheckpointConfig, b Backends) Store {
	store, err := NewStore(cfg, b)
	if err != nil {
		panic(fmt.Sprintf("failed to create checkpoint store: %v", err))
	}
	return store
}
