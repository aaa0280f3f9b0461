// Package agentcore wires the orchestration core from a single configuration.
//
// Usage:
//
//	cfg, err := config.NewLoader().WithConfigPath("agentcore.yaml").Load()
//	rt, err := agentcore.New(cfg)
//	defer rt.Close(context.Background())
//
//	session, err := rt.NewSession(agent.SessionConfig{AgentID: "planner"}, agent.SessionDeps{
//		Planner: myPlanner,
//		Agent:   myAgent,
//	})
//	result, err := session.Run(ctx, "book a flight to Lisbon")
//
// The runtime owns the logger, telemetry providers, metrics collector, Redis
// client, database pool, checkpoint store and result cache it creates, and
// releases them in Close. Connections passed in through options are never
// closed by the runtime.
package agentcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcore/agent"
	"github.com/BaSui01/agentcore/agent/persistence"
	"github.com/BaSui01/agentcore/agent/subagent"
	"github.com/BaSui01/agentcore/config"
	"github.com/BaSui01/agentcore/internal/cache"
	"github.com/BaSui01/agentcore/internal/database"
	"github.com/BaSui01/agentcore/internal/logging"
	"github.com/BaSui01/agentcore/internal/metrics"
	"github.com/BaSui01/agentcore/internal/telemetry"
	"github.com/BaSui01/agentcore/recovery"
	"github.com/BaSui01/agentcore/recovery/circuitbreaker"
	"github.com/BaSui01/agentcore/workflow"
)

// Option configures [New].
type Option func(*options)

type options struct {
	logger        *zap.Logger
	registerer    prometheus.Registerer
	redis         *redis.Client
	pool          *database.PoolManager
	telemetryOpts []telemetry.Option
}

// WithLogger uses logger instead of building one from cfg.Log.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers metrics with reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithRedisClient shares an existing Redis client.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) { o.redis = client }
}

// WithDatabasePool shares an existing database pool.
func WithDatabasePool(pool *database.PoolManager) Option {
	return func(o *options) { o.pool = pool }
}

// WithTelemetryOptions forwards exporter overrides to telemetry.Init.
func WithTelemetryOptions(opts ...telemetry.Option) Option {
	return func(o *options) { o.telemetryOpts = append(o.telemetryOpts, opts...) }
}

// Runtime holds every shared component built from a [config.Config].
type Runtime struct {
	config    *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Providers
	collector *metrics.Collector
	redis     *redis.Client
	cache     *cache.Manager
	pool      *database.PoolManager
	store     persistence.Store
	results   workflow.ResultCache
	policy    *recovery.Policy
	scheduler *workflow.Scheduler

	// closers run in reverse order on Close
	closers []func(context.Context) error
}

// New builds a runtime. A nil cfg uses [config.DefaultConfig].
// On error every component created so far is released.
func New(cfg *config.Config, opts ...Option) (rt *Runtime, err error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(o)
	}

	r := &Runtime{config: cfg, redis: o.redis, pool: o.pool}
	defer func() {
		if err != nil {
			_ = r.Close(context.Background())
		}
	}()

	r.logger = o.logger
	if r.logger == nil {
		if r.logger, err = logging.New(cfg.Log); err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		r.closers = append(r.closers, func(context.Context) error {
			_ = r.logger.Sync()
			return nil
		})
	}

	if r.telemetry, err = telemetry.Init(cfg.Telemetry, r.logger, o.telemetryOpts...); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	r.closers = append(r.closers, r.telemetry.Shutdown)

	if cfg.Metrics.Enabled {
		r.collector = metrics.NewCollectorWithRegistry(cfg.Metrics.Namespace, o.registerer, r.logger)
	}

	if err := r.connect(); err != nil {
		return nil, err
	}

	r.store, err = persistence.NewStore(cfg.Checkpoint, persistence.Backends{
		Redis: r.redis,
		Pool:  r.pool,
		TxPolicy: recovery.NewPolicy("checkpoint_tx", database.TransactionRetryConfig(cfg.Recovery.MaxRetries),
			r.logger, recovery.WithMetrics(r.collector)),
		Logger: r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}
	r.closers = append(r.closers, func(context.Context) error { return r.store.Close() })

	if err := r.buildResultCache(); err != nil {
		return nil, err
	}

	r.policy = r.NewPolicy("agentcore")

	schedOpts := []workflow.Option{workflow.WithPolicy(r.policy), workflow.WithMetrics(r.collector)}
	if r.results != nil {
		schedOpts = append(schedOpts, workflow.WithResultCache(r.results))
	}
	r.scheduler = workflow.NewScheduler(r.schedulerConfig(), r.logger, schedOpts...)

	r.logger.Info("runtime initialized",
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.String("result_cache", cfg.Scheduler.CacheBackend),
		zap.Int("max_concurrent", cfg.Scheduler.MaxConcurrent),
		zap.Bool("metrics", r.collector != nil),
		zap.Bool("telemetry", r.telemetry.Enabled()))
	return r, nil
}

// connect opens the Redis client and database pool the configuration needs.
func (r *Runtime) connect() error {
	cfg := r.config
	needRedis := cfg.Checkpoint.Backend == string(persistence.StoreTypeRedis) || cfg.Scheduler.CacheBackend == "redis"
	if needRedis && r.redis == nil {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		r.redis = client
		r.closers = append(r.closers, func(context.Context) error { return client.Close() })
	}

	if cfg.Checkpoint.Backend == string(persistence.StoreTypeSQL) && r.pool == nil {
		db, err := database.Open(cfg.Database, r.logger)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		pool, err := database.NewPoolManager(db, database.PoolConfig{
			MaxOpenConns:        cfg.Database.MaxOpenConns,
			MaxIdleConns:        cfg.Database.MaxIdleConns,
			ConnMaxLifetime:     cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime:     database.DefaultPoolConfig().ConnMaxIdleTime,
			HealthCheckInterval: database.DefaultPoolConfig().HealthCheckInterval,
		}, r.logger, database.WithPoolMetrics(cfg.Database.Driver, r.collector))
		if err != nil {
			return fmt.Errorf("database pool: %w", err)
		}
		r.pool = pool
		r.closers = append(r.closers, func(context.Context) error { return pool.Close() })
	}
	return nil
}

func (r *Runtime) buildResultCache() error {
	switch r.config.Scheduler.CacheBackend {
	case "", "none":
	case "memory":
		r.results = workflow.NewMemoryResultCache(r.collector)
	case "redis":
		cc := cache.DefaultConfig()
		cc.DefaultTTL = r.config.Scheduler.CacheTTL
		cc.HealthCheckInterval = 0
		r.cache = cache.NewManagerFromClient(r.redis, cc, r.logger, cache.WithMetrics(r.collector))
		r.closers = append(r.closers, func(context.Context) error { return r.cache.Close() })
		r.results = workflow.NewRedisResultCache(r.cache, "")
	default:
		return fmt.Errorf("unsupported result cache backend: %s", r.config.Scheduler.CacheBackend)
	}
	return nil
}

func (r *Runtime) schedulerConfig() workflow.Config {
	return workflow.Config{
		MaxConcurrent: r.config.Scheduler.MaxConcurrent,
		NodeTimeout:   r.config.Scheduler.NodeTimeout,
		CacheTTL:      r.config.Scheduler.CacheTTL,
	}
}

// RecoveryConfig converts the recovery and circuit breaker sections into a policy configuration.
func RecoveryConfig(rc config.RecoveryConfig, cb config.CircuitBreakerConfig) recovery.Config {
	out := recovery.Config{
		MaxRetries: rc.MaxRetries,
		Backoff: recovery.BackoffConfig{
			Strategy:     recovery.Strategy(rc.Strategy),
			BaseDelay:    rc.BaseDelay,
			MaxDelay:     rc.MaxDelay,
			JitterFactor: rc.JitterFactor,
		},
		TotalTimeout:   rc.TotalTimeout,
		AttemptTimeout: rc.AttemptTimeout,
	}
	if rc.RetryableCategories != nil {
		out.RetryableCategories = make([]recovery.ErrorCategory, 0, len(rc.RetryableCategories))
		for _, c := range rc.RetryableCategories {
			out.RetryableCategories = append(out.RetryableCategories, recovery.ErrorCategory(c))
		}
	}
	if cb.Enabled {
		out.CircuitBreaker = &circuitbreaker.Config{
			FailureThreshold: cb.FailureThreshold,
			SuccessThreshold: cb.SuccessThreshold,
			ResetTimeout:     cb.ResetTimeout,
			FailureWindow:    cb.FailureWindow,
			HalfOpenMaxCalls: cb.HalfOpenMaxCalls,
		}
	}
	return out
}

// NewPolicy returns a recovery policy built from the runtime configuration.
// Each policy owns its circuit breaker.
func (r *Runtime) NewPolicy(name string, opts ...recovery.PolicyOption) *recovery.Policy {
	opts = append([]recovery.PolicyOption{recovery.WithMetrics(r.collector)}, opts...)
	return recovery.NewPolicy(name, RecoveryConfig(r.config.Recovery, r.config.CircuitBreaker), r.logger, opts...)
}

// NewSession creates a plan session. Empty dependencies are filled from the runtime:
// checkpoint storage, recovery policy and metrics. Steps run on a scheduler of their
// own because the session applies the policy per step.
func (r *Runtime) NewSession(cfg agent.SessionConfig, deps agent.SessionDeps) (*agent.Session, error) {
	if cfg.MaxRestores == 0 {
		cfg.MaxRestores = r.config.Session.MaxRestores
	}
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = r.config.Scheduler.NodeTimeout
	}
	if deps.Storage == nil {
		deps.Storage = r.store
	}
	if deps.Policy == nil {
		deps.Policy = r.policy
	}
	if deps.Collector == nil {
		deps.Collector = r.collector
	}
	if deps.Scheduler == nil {
		deps.Scheduler = workflow.NewScheduler(r.schedulerConfig(), r.logger, workflow.WithMetrics(r.collector))
	}
	return agent.NewSession(cfg, deps, r.logger)
}

// NewSubAgentManager creates a sub-agent manager sharing the runtime policy,
// result cache and metrics. opts are applied last and may override them.
func (r *Runtime) NewSubAgentManager(factory agent.AgentFactory, opts ...subagent.Option) (*subagent.Manager, error) {
	base := []subagent.Option{subagent.WithPolicy(r.policy), subagent.WithMetrics(r.collector)}
	if r.results != nil {
		base = append(base, subagent.WithResultCache(r.results))
	}
	return subagent.NewManager(subagent.FromConfig(r.config.Subagent), factory, r.logger, append(base, opts...)...)
}

// Orchestrate runs nodes on the shared scheduler.
func (r *Runtime) Orchestrate(ctx context.Context, nodes []workflow.Node) (*workflow.RunResult, error) {
	return r.scheduler.Orchestrate(ctx, nodes)
}

// Ping checks the checkpoint store and any connected backend.
func (r *Runtime) Ping(ctx context.Context) error {
	var errs []error
	if err := r.store.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("checkpoint store: %w", err))
	}
	if r.pool != nil {
		if err := r.pool.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if r.redis != nil {
		if err := r.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases owned components in reverse creation order.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Config returns the configuration the runtime was built from.
func (r *Runtime) Config() *config.Config { return r.config }

// Logger returns the root logger.
func (r *Runtime) Logger() *zap.Logger { return r.logger }

// Metrics returns the shared Prometheus collector.
func (r *Runtime) Metrics() *metrics.Collector { return r.collector }

// Store returns the checkpoint store selected by checkpoint.backend.
func (r *Runtime) Store() persistence.Store { return r.store }

// ResultCache returns the scheduler result cache, or nil when caching is disabled.
func (r *Runtime) ResultCache() workflow.ResultCache { return r.results }

// Policy returns the default recovery policy shared by sessions and sub-agents.
func (r *Runtime) Policy() *recovery.Policy { return r.policy }

// Scheduler returns the scheduler behind Orchestrate.
func (r *Runtime) Scheduler() *workflow.Scheduler { return r.scheduler }
