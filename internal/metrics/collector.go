package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 Prometheus 指标收集器
// =============================================================================

// Collector 指标收集器。
// 所有 Record* 方法对 nil 接收者安全，调用方无需判空。
type Collector struct {
	// 恢复策略指标
	recoveryAttempts *prometheus.CounterVec
	recoveryOutcomes *prometheus.CounterVec
	recoveryDuration *prometheus.HistogramVec
	circuitState     *prometheus.GaugeVec

	// 调度器指标
	schedulerNodes    *prometheus.CounterVec
	schedulerNodeTime *prometheus.HistogramVec
	schedulerInFlight prometheus.Gauge
	schedulerRuns     *prometheus.CounterVec

	// Agent 状态指标
	stateTransitions *prometheus.CounterVec
	checkpoints      *prometheus.CounterVec

	// 子 Agent 指标
	subagentTasks    *prometheus.CounterVec
	subagentDuration *prometheus.HistogramVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到默认 Registry。
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry 创建指标收集器并注册到指定 Registerer。
// 测试中传入独立的 prometheus.NewRegistry() 以避免重复注册。
func NewCollectorWithRegistry(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.recoveryAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_attempts_total",
			Help:      "Total number of attempts made under a recovery policy",
		},
		[]string{"policy", "category"},
	)

	c.recoveryOutcomes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_outcomes_total",
			Help:      "Final outcome of recovery policy executions",
		},
		[]string{"policy", "outcome"},
	)

	c.recoveryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "Total wall time of a recovery policy execution",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"policy"},
	)

	c.circuitState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"name"},
	)

	c.schedulerNodes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_nodes_total",
			Help:      "Total number of scheduled nodes by final status",
		},
		[]string{"status"},
	)

	c.schedulerNodeTime = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	c.schedulerInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_nodes_in_flight",
			Help:      "Number of nodes currently running",
		},
	)

	c.schedulerRuns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_runs_total",
			Help:      "Total number of scheduler runs by outcome",
		},
		[]string{"outcome"},
	)

	c.stateTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_state_transitions_total",
			Help:      "Total number of agent state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.checkpoints = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_checkpoints_total",
			Help:      "Total number of checkpoint operations",
		},
		[]string{"operation", "status"},
	)

	c.subagentTasks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subagent_tasks_total",
			Help:      "Total number of sub-agent tasks by status",
		},
		[]string{"agent", "status"},
	)

	c.subagentDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subagent_task_duration_seconds",
			Help:      "Sub-agent task duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"agent"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🛡️ 恢复策略指标记录
// =============================================================================

// RecordRecoveryAttempt 记录一次尝试及其失败类别（成功时 category 为 "ok"）。
// 标签取策略名，不取操作名，避免按 step ID 之类的值无限增长。
func (c *Collector) RecordRecoveryAttempt(policy, category string) {
	if c == nil {
		return
	}
	c.recoveryAttempts.WithLabelValues(policy, category).Inc()
}

// RecordRecoveryOutcome 记录一次 Execute 的最终结果
func (c *Collector) RecordRecoveryOutcome(policy, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.recoveryOutcomes.WithLabelValues(policy, outcome).Inc()
	c.recoveryDuration.WithLabelValues(policy).Observe(duration.Seconds())
}

// SetCircuitState 记录熔断器状态
func (c *Collector) SetCircuitState(name string, state int) {
	if c == nil {
		return
	}
	c.circuitState.WithLabelValues(name).Set(float64(state))
}

// =============================================================================
// 🧭 调度器指标记录
// =============================================================================

// RecordNodeResult 记录节点执行结果
func (c *Collector) RecordNodeResult(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.schedulerNodes.WithLabelValues(status).Inc()
	c.schedulerNodeTime.WithLabelValues(status).Observe(duration.Seconds())
}

// AddNodesInFlight 调整运行中节点数
func (c *Collector) AddNodesInFlight(delta int) {
	if c == nil {
		return
	}
	c.schedulerInFlight.Add(float64(delta))
}

// RecordSchedulerRun 记录一次调度运行结果
func (c *Collector) RecordSchedulerRun(outcome string) {
	if c == nil {
		return
	}
	c.schedulerRuns.WithLabelValues(outcome).Inc()
}

// =============================================================================
// 🎭 Agent 指标记录
// =============================================================================

// RecordStateTransition 记录 Agent 状态转换
func (c *Collector) RecordStateTransition(fromState, toState string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(fromState, toState).Inc()
}

// RecordCheckpoint 记录检查点操作（save/load/delete）
func (c *Collector) RecordCheckpoint(operation string, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.checkpoints.WithLabelValues(operation, status).Inc()
}

// RecordSubagentTask 记录子 Agent 任务
func (c *Collector) RecordSubagentTask(agent, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.subagentTasks.WithLabelValues(agent, status).Inc()
	c.subagentDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}
