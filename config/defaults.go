// =============================================================================
// 📦 AgentCore 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Log:            DefaultLogConfig(),
		Telemetry:      DefaultTelemetryConfig(),
		Metrics:        DefaultMetricsConfig(),
		Redis:          DefaultRedisConfig(),
		Database:       DefaultDatabaseConfig(),
		Checkpoint:     DefaultCheckpointConfig(),
		Scheduler:      DefaultSchedulerConfig(),
		Recovery:       DefaultRecoveryConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Subagent:       DefaultSubagentConfig(),
		Session:        DefaultSessionConfig(),
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentcore",
		SampleRate:   0.1,
		Insecure:     true,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "agentcore",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "agentcore",
		Password:        "",
		Name:            "agentcore.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultCheckpointConfig 返回默认检查点配置
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Backend:   "memory",
		Dir:       "./checkpoints",
		KeyPrefix: "agentcore:checkpoint:",
		TTL:       0,
		TableName: "agent_checkpoints",
	}
}

// DefaultSchedulerConfig 返回默认调度器配置
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrent: 4,
		NodeTimeout:   0,
		CacheBackend:  "none",
		CacheTTL:      10 * time.Minute,
	}
}

// DefaultRecoveryConfig 返回默认恢复配置
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxRetries:   3,
		Strategy:     "exponential",
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
		RetryableCategories: []string{
			"transient", "timeout", "network", "rate_limit", "unknown",
		},
	}
}

// DefaultCircuitBreakerConfig 返回默认熔断器配置
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		FailureWindow:    60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// DefaultSubagentConfig 返回默认子 Agent 配置
func DefaultSubagentConfig() SubagentConfig {
	return SubagentConfig{
		MaxConcurrent:   3,
		TaskTimeout:     5 * time.Minute,
		SpawnRate:       0,
		SpawnBurst:      1,
		PropagateErrors: false,
	}
}

// DefaultSessionConfig 返回默认会话配置
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{MaxRestores: 1}
}
