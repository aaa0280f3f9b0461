package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollectorWithRegistry("test", prometheus.NewRegistry(), zap.NewNop())
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollectorWithRegistry(t *testing.T) {
	c := newTestCollector(t)
	require.NotNil(t, c)
	assert.NotNil(t, c.recoveryAttempts)
	assert.NotNil(t, c.schedulerNodes)
	assert.NotNil(t, c.stateTransitions)
	assert.NotNil(t, c.cacheHits)
}

func TestCollector_SeparateRegistriesDoNotConflict(t *testing.T) {
	assert.NotPanics(t, func() {
		_ = newTestCollector(t)
		_ = newTestCollector(t)
	})
}

func TestCollector_RecordRecovery(t *testing.T) {
	c := newTestCollector(t)

	c.RecordRecoveryAttempt("fetch", "timeout")
	c.RecordRecoveryAttempt("fetch", "timeout")
	c.RecordRecoveryAttempt("fetch", "ok")
	c.RecordRecoveryOutcome("fetch", "recovered", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.recoveryAttempts.WithLabelValues("fetch", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recoveryAttempts.WithLabelValues("fetch", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recoveryOutcomes.WithLabelValues("fetch", "recovered")))
}

func TestCollector_CircuitState(t *testing.T) {
	c := newTestCollector(t)
	c.SetCircuitState("upstream", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.circuitState.WithLabelValues("upstream")))
	c.SetCircuitState("upstream", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.circuitState.WithLabelValues("upstream")))
}

func TestCollector_Scheduler(t *testing.T) {
	c := newTestCollector(t)

	c.AddNodesInFlight(2)
	c.AddNodesInFlight(-1)
	c.RecordNodeResult("completed", time.Millisecond)
	c.RecordSchedulerRun("completed")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.schedulerInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.schedulerNodes.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.schedulerRuns.WithLabelValues("completed")))
}

func TestCollector_AgentAndCache(t *testing.T) {
	c := newTestCollector(t)

	c.RecordStateTransition("idle", "planning")
	c.RecordCheckpoint("save", nil)
	c.RecordCheckpoint("save", errors.New("disk full"))
	c.RecordSubagentTask("researcher", "completed", time.Second)
	c.RecordCacheHit("redis")
	c.RecordCacheMiss("redis")
	c.RecordDBConnections("postgres", 4, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.stateTransitions.WithLabelValues("idle", "planning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.checkpoints.WithLabelValues("save", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.checkpoints.WithLabelValues("save", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.subagentTasks.WithLabelValues("researcher", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("redis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheMisses.WithLabelValues("redis")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.dbConnectionsIdle.WithLabelValues("postgres")))
}

func TestCollector_NilReceiver(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordRecoveryAttempt("op", "ok")
		c.RecordRecoveryOutcome("op", "ok", 0)
		c.SetCircuitState("x", 0)
		c.RecordNodeResult("completed", 0)
		c.AddNodesInFlight(1)
		c.RecordSchedulerRun("completed")
		c.RecordStateTransition("a", "b")
		c.RecordCheckpoint("save", nil)
		c.RecordSubagentTask("a", "completed", 0)
		c.RecordCacheHit("memory")
		c.RecordCacheMiss("memory")
		c.RecordDBConnections("db", 1, 1)
	})
}
