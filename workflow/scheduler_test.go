package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentcore/recovery"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// eventLog records start/end events across node goroutines.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) index(e string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, v := range l.events {
		if v == e {
			return i
		}
	}
	return -1
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func logged(l *eventLog, d time.Duration, out any) NodeFunc {
	return func(ctx context.Context, in NodeInput) (any, error) {
		l.add("start:" + in.ID)
		if d > 0 {
			time.Sleep(d)
		}
		l.add("end:" + in.ID)
		return out, nil
	}
}

func value(v any) NodeFunc {
	return func(context.Context, NodeInput) (any, error) { return v, nil }
}

func failing(err error) NodeFunc {
	return func(context.Context, NodeInput) (any, error) { return nil, err }
}

// blocking waits until its context is cancelled or release is closed.
func blocking(release <-chan struct{}, started chan<- string) NodeFunc {
	return func(ctx context.Context, in NodeInput) (any, error) {
		if started != nil {
			started <- in.ID
		}
		select {
		case <-release:
			return in.ID, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func newTestScheduler(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	return NewScheduler(cfg, zaptest.NewLogger(t), opts...)
}

// ---------------------------------------------------------------------------
// ordering
// ---------------------------------------------------------------------------

func TestScheduler_RespectsTopology(t *testing.T) {
	log := &eventLog{}
	s := newTestScheduler(t, Config{MaxConcurrent: 4})

	res, err := s.Orchestrate(context.Background(), []Node{
		{ID: "A", Run: logged(log, 5*time.Millisecond, "a")},
		{ID: "B", DependsOn: []string{"A"}, Run: logged(log, 5*time.Millisecond, "b")},
		{ID: "C", DependsOn: []string{"A"}, Run: logged(log, 5*time.Millisecond, "c")},
		{ID: "D", DependsOn: []string{"B", "C"}, Run: logged(log, 0, "d")},
	})
	require.NoError(t, err)
	require.True(t, res.Succeeded())

	assert.Less(t, log.index("end:A"), log.index("start:B"))
	assert.Less(t, log.index("end:A"), log.index("start:C"))
	assert.Less(t, log.index("end:B"), log.index("start:D"))
	assert.Less(t, log.index("end:C"), log.index("start:D"))

	assert.Equal(t, "A", res.Order[0])
	assert.Equal(t, "D", res.Order[3])
	assert.Equal(t, map[string]any{"A": "a", "B": "b", "C": "c", "D": "d"}, res.Outputs())
	assert.Empty(t, res.Unresolved)
	assert.NotEmpty(t, res.RunID)
}

func TestScheduler_PassesDependencyResults(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())

	var got NodeInput
	res, err := s.Orchestrate(context.Background(), []Node{
		{ID: "left", Run: value(1)},
		{ID: "right", Run: value(2)},
		{ID: "sum", Payload: "add", DependsOn: []string{"left", "right"}, Run: func(_ context.Context, in NodeInput) (any, error) {
			got = in
			return in.Deps["left"].(int) + in.Deps["right"].(int), nil
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Results["sum"].Result)
	assert.Equal(t, "sum", got.ID)
	assert.Equal(t, "add", got.Payload)
	assert.Equal(t, map[string]any{"left": 1, "right": 2}, got.Deps)
}

func TestScheduler_RejectsCycleWithoutRunning(t *testing.T) {
	var calls atomic.Int32
	fn := func(context.Context, NodeInput) (any, error) {
		calls.Add(1)
		return nil, nil
	}
	s := newTestScheduler(t, DefaultConfig())

	done := make(chan struct{})
	var (
		res *RunResult
		err error
	)
	go func() {
		defer close(done)
		res, err = s.Orchestrate(context.Background(), []Node{
			{ID: "X", DependsOn: []string{"Y"}, Run: fn},
			{ID: "Y", DependsOn: []string{"X"}, Run: fn},
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("orchestrate hung on a cycle")
	}
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrCycle)
	assert.Zero(t, calls.Load())
}

func TestScheduler_RejectsInvalidNodes(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())

	_, err := s.Orchestrate(context.Background(), []Node{{ID: "A", Run: value(1)}, {ID: "B", DependsOn: []string{"missing"}, Run: value(2)}})
	assert.ErrorIs(t, err, ErrUnknownDependency)

	_, err = s.Orchestrate(context.Background(), []Node{{ID: "A"}})
	assert.ErrorIs(t, err, ErrInvalidGraph)
}

func TestScheduler_EmptyGraph(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	res, err := s.Orchestrate(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.True(t, res.Succeeded())
}

// ---------------------------------------------------------------------------
// concurrency
// ---------------------------------------------------------------------------

func TestScheduler_MaxConcurrentBound(t *testing.T) {
	var current, peak atomic.Int32
	work := func(context.Context, NodeInput) (any, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return nil, nil
	}

	nodes := make([]Node, 5)
	for i := range nodes {
		nodes[i] = Node{ID: fmt.Sprintf("n%d", i), Run: work}
	}

	s := newTestScheduler(t, Config{MaxConcurrent: 2})
	res, err := s.Orchestrate(context.Background(), nodes)
	require.NoError(t, err)

	assert.True(t, res.Succeeded())
	assert.Len(t, res.Order, 5)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestScheduler_RunningNeverExceedsBound(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 6)

	nodes := make([]Node, 6)
	for i := range nodes {
		nodes[i] = Node{ID: fmt.Sprintf("n%d", i), Run: blocking(release, started)}
	}

	s := newTestScheduler(t, Config{MaxConcurrent: 3})
	run, err := s.Start(context.Background(), nodes)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		<-started
	}
	assert.Len(t, run.Running(), 3)

	close(release)
	res, err := run.Wait()
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Empty(t, run.Running())
}

// ---------------------------------------------------------------------------
// failure and starvation
// ---------------------------------------------------------------------------

func TestScheduler_FailedDependencyStarvesDependents(t *testing.T) {
	var (
		mu      sync.Mutex
		started []string
		t2t3    atomic.Int32
	)
	hooks := Hooks{
		OnNodeStart: func(_ context.Context, id string) {
			mu.Lock()
			started = append(started, id)
			mu.Unlock()
		},
	}
	never := func(context.Context, NodeInput) (any, error) {
		t2t3.Add(1)
		return nil, nil
	}

	s := newTestScheduler(t, DefaultConfig(), WithHooks(hooks))
	res, err := s.Orchestrate(context.Background(), []Node{
		{ID: "T1", Run: failing(recovery.WithCategory(errors.New("schema mismatch"), recovery.CategoryPermanent))},
		{ID: "T2", DependsOn: []string{"T1"}, Run: never},
		{ID: "T3", DependsOn: []string{"T1"}, Run: never},
	})
	require.NoError(t, err)

	assert.Equal(t, NodeFailed, res.Status("T1"))
	assert.Error(t, res.Results["T1"].Err)
	assert.ElementsMatch(t, []string{"T2", "T3"}, res.Unresolved)
	assert.Equal(t, NodePending, res.Status("T2"))
	assert.Equal(t, NodePending, res.Status("T3"))
	assert.Zero(t, t2t3.Load())
	assert.Equal(t, []string{"T1"}, started)
	assert.Equal(t, []string{"T1"}, res.Failed())
	assert.False(t, res.Succeeded())
}

func TestScheduler_SiblingsUnaffectedByFailure(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	res, err := s.Orchestrate(context.Background(), []Node{
		{ID: "bad", Run: failing(errors.New("boom"))},
		{ID: "good", Run: value("ok")},
		{ID: "after-good", DependsOn: []string{"good"}, Run: value("ok2")},
	})
	require.NoError(t, err)

	assert.Equal(t, NodeFailed, res.Status("bad"))
	assert.Equal(t, NodeCompleted, res.Status("good"))
	assert.Equal(t, NodeCompleted, res.Status("after-good"))
	assert.Empty(t, res.Unresolved)
}

func TestScheduler_PanicBecomesFailure(t *testing.T) {
	s := newTestScheduler(t, Config{MaxConcurrent: 1, NodeTimeout: time.Second})
	res, err := s.Orchestrate(context.Background(), []Node{
		{ID: "p", Run: func(context.Context, NodeInput) (any, error) { panic("kaboom") }},
	})
	require.NoError(t, err)
	assert.Equal(t, NodeFailed, res.Status("p"))
	assert.Contains(t, res.Results["p"].Err.Error(), "kaboom")
}

// ---------------------------------------------------------------------------
// timeout and retry
// ---------------------------------------------------------------------------

func TestScheduler_NodeTimeout(t *testing.T) {
	s := newTestScheduler(t, Config{MaxConcurrent: 2, NodeTimeout: time.Second})
	res, err := s.Orchestrate(context.Background(), []Node{
		{ID: "slow", Timeout: 20 * time.Millisecond, Run: blocking(nil, nil)},
		{ID: "fast", Run: value(1)},
	})
	require.NoError(t, err)

	slow := res.Results["slow"]
	assert.Equal(t, NodeFailed, slow.Status)
	assert.ErrorIs(t, slow.Err, recovery.ErrTimeout)
	assert.Equal(t, recovery.CategoryTimeout, recovery.Classify(slow.Err))
	assert.Equal(t, NodeCompleted, res.Status("fast"))
}

func TestScheduler_RetriesThroughPolicy(t *testing.T) {
	cfg := recovery.DefaultConfig()
	cfg.Backoff = recovery.BackoffConfig{Strategy: recovery.StrategyNone}
	policy := recovery.NewPolicy("nodes", cfg, zap.NewNop())

	var calls atomic.Int32
	flaky := func(context.Context, NodeInput) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("service temporarily unavailable")
		}
		return "done", nil
	}

	s := newTestScheduler(t, DefaultConfig(), WithPolicy(policy))
	res, err := s.Orchestrate(context.Background(), []Node{{ID: "flaky", Run: flaky}})
	require.NoError(t, err)

	r := res.Results["flaky"]
	assert.Equal(t, NodeCompleted, r.Status)
	assert.Equal(t, "done", r.Result)
	assert.Equal(t, 3, r.Attempts)
}

func TestScheduler_TimeoutRetriedByPolicy(t *testing.T) {
	cfg := recovery.DefaultConfig()
	cfg.MaxRetries = 1
	cfg.Backoff = recovery.BackoffConfig{Strategy: recovery.StrategyNone}
	policy := recovery.NewPolicy("nodes", cfg, zap.NewNop())

	var calls atomic.Int32
	fn := func(ctx context.Context, _ NodeInput) (any, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "second", nil
	}

	s := newTestScheduler(t, Config{MaxConcurrent: 1, NodeTimeout: 20 * time.Millisecond}, WithPolicy(policy))
	res, err := s.Orchestrate(context.Background(), []Node{{ID: "n", Run: fn}})
	require.NoError(t, err)

	assert.Equal(t, NodeCompleted, res.Status("n"))
	assert.Equal(t, 2, res.Results["n"].Attempts)
}

func TestScheduler_PermanentFailureNotRetried(t *testing.T) {
	cfg := recovery.DefaultConfig()
	cfg.Backoff = recovery.BackoffConfig{Strategy: recovery.StrategyNone}
	policy := recovery.NewPolicy("nodes", cfg, zap.NewNop())

	s := newTestScheduler(t, DefaultConfig(), WithPolicy(policy))
	res, err := s.Orchestrate(context.Background(), []Node{
		{ID: "n", Run: failing(errors.New("permission denied"))},
	})
	require.NoError(t, err)
	assert.Equal(t, NodeFailed, res.Status("n"))
	assert.Equal(t, 1, res.Results["n"].Attempts)
}

// ---------------------------------------------------------------------------
// cancellation
// ---------------------------------------------------------------------------

func TestRun_Cancel(t *testing.T) {
	started := make(chan string, 2)
	s := newTestScheduler(t, Config{MaxConcurrent: 2})

	run, err := s.Start(context.Background(), []Node{
		{ID: "a", Run: blocking(nil, started)},
		{ID: "b", Run: blocking(nil, started)},
		{ID: "c", DependsOn: []string{"a"}, Run: value(1)},
		{ID: "d", Run: value(2)},
	})
	require.NoError(t, err)
	<-started
	<-started

	run.Cancel()
	run.Cancel()

	res, err := run.Wait()
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, NodeCancelled, res.Status(id), id)
		assert.ErrorIs(t, res.Results[id].Err, ErrNodeCancelled)
	}
	assert.Empty(t, res.Unresolved)
	assert.False(t, res.Succeeded())
}

func TestRun_ParentContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan string, 1)
	s := newTestScheduler(t, Config{MaxConcurrent: 1})

	run, err := s.Start(ctx, []Node{
		{ID: "a", Run: blocking(nil, started)},
		{ID: "b", DependsOn: []string{"a"}, Run: value(1)},
	})
	require.NoError(t, err)
	<-started
	cancel()

	select {
	case <-run.Done():
	case <-time.After(time.Second):
		t.Fatal("run did not finish after context cancellation")
	}
	res, err := run.Wait()
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, NodeCancelled, res.Status("a"))
	assert.Equal(t, NodeCancelled, res.Status("b"))
}

func TestRun_CancelRunningNode(t *testing.T) {
	started := make(chan string, 1)
	var dependentCalls atomic.Int32
	s := newTestScheduler(t, DefaultConfig())

	run, err := s.Start(context.Background(), []Node{
		{ID: "a", Run: blocking(nil, started)},
		{ID: "b", DependsOn: []string{"a"}, Run: func(context.Context, NodeInput) (any, error) {
			dependentCalls.Add(1)
			return nil, nil
		}},
	})
	require.NoError(t, err)
	<-started

	st, ok := run.Status("a")
	require.True(t, ok)
	assert.Equal(t, NodeRunning, st)
	require.NoError(t, run.CancelNode("a"))

	res, err := run.Wait()
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
	assert.Equal(t, NodeCancelled, res.Status("a"))
	assert.Equal(t, []string{"b"}, res.Unresolved)
	assert.Zero(t, dependentCalls.Load())
}

func TestRun_CancelledResultIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 1)
	s := newTestScheduler(t, DefaultConfig())

	// ignores its context and returns a value after the flag is set
	stubborn := func(_ context.Context, in NodeInput) (any, error) {
		started <- in.ID
		<-release
		return "late", nil
	}
	run, err := s.Start(context.Background(), []Node{{ID: "a", Run: stubborn}})
	require.NoError(t, err)
	<-started
	require.NoError(t, run.CancelNode("a"))
	close(release)

	res, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, NodeCancelled, res.Status("a"))
	assert.Nil(t, res.Results["a"].Result)
}

func TestRun_CancelPendingNode(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 1)
	var calls atomic.Int32
	s := newTestScheduler(t, DefaultConfig())

	run, err := s.Start(context.Background(), []Node{
		{ID: "a", Run: blocking(release, started)},
		{ID: "b", DependsOn: []string{"a"}, Run: func(context.Context, NodeInput) (any, error) {
			calls.Add(1)
			return nil, nil
		}},
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, run.CancelNode("b"))
	st, _ := run.Status("b")
	assert.Equal(t, NodeCancelled, st)
	close(release)

	res, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, NodeCompleted, res.Status("a"))
	assert.Equal(t, NodeCancelled, res.Status("b"))
	assert.Empty(t, res.Unresolved)
	assert.Zero(t, calls.Load())

	assert.NoError(t, run.CancelNode("a"), "settled node is a no-op")
	assert.ErrorIs(t, run.CancelNode("zzz"), ErrNodeNotFound)
}

func TestRun_CancelAfterFinishLeavesResultUntouched(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	run, err := s.Start(context.Background(), []Node{
		{ID: "T1", Run: failing(recovery.WithCategory(errors.New("schema mismatch"), recovery.CategoryPermanent))},
		{ID: "T2", DependsOn: []string{"T1"}, Run: value("never")},
	})
	require.NoError(t, err)

	res, err := run.Wait()
	require.NoError(t, err)
	require.Equal(t, NodePending, res.Status("T2"))
	order := append([]string(nil), res.Order...)

	// 运行结束后取消节点不得改写已返回的结果
	require.NoError(t, run.CancelNode("T2"))
	run.Cancel()

	assert.Equal(t, NodePending, res.Status("T2"))
	assert.Equal(t, []string{"T2"}, res.Unresolved)
	assert.Equal(t, order, res.Order)
	assert.NotContains(t, res.Results, "T2")
	assert.False(t, res.Cancelled)
	st, _ := run.Status("T2")
	assert.Equal(t, NodePending, st)

	again, err := run.Wait()
	require.NoError(t, err)
	assert.Same(t, res, again)
}

// ---------------------------------------------------------------------------
// caching, hooks, tracing
// ---------------------------------------------------------------------------

func TestScheduler_ResultCache(t *testing.T) {
	cache := NewMemoryResultCache(nil)
	var calls atomic.Int32
	fn := func(context.Context, NodeInput) (any, error) {
		calls.Add(1)
		return "expensive", nil
	}
	s := newTestScheduler(t, DefaultConfig(), WithResultCache(cache))
	nodes := []Node{{ID: "n", CacheKey: "task:n", Run: fn}}

	first, err := s.Orchestrate(context.Background(), nodes)
	require.NoError(t, err)
	assert.False(t, first.Results["n"].Cached)

	second, err := s.Orchestrate(context.Background(), nodes)
	require.NoError(t, err)
	assert.True(t, second.Results["n"].Cached)
	assert.Equal(t, "expensive", second.Results["n"].Result)
	assert.Equal(t, int32(1), calls.Load())
}

func TestScheduler_FailedResultsNotCached(t *testing.T) {
	cache := NewMemoryResultCache(nil)
	s := newTestScheduler(t, DefaultConfig(), WithResultCache(cache))

	_, err := s.Orchestrate(context.Background(), []Node{{ID: "n", CacheKey: "k", Run: failing(errors.New("nope"))}})
	require.NoError(t, err)
	assert.Zero(t, cache.Len())
}

func TestScheduler_HooksSeeEveryStartedNode(t *testing.T) {
	var (
		mu       sync.Mutex
		starts   []string
		finishes = map[string]NodeStatus{}
	)
	s := newTestScheduler(t, DefaultConfig(), WithHooks(Hooks{
		OnNodeStart: func(_ context.Context, id string) {
			mu.Lock()
			starts = append(starts, id)
			mu.Unlock()
		},
		OnNodeFinish: func(_ context.Context, r NodeResult) {
			mu.Lock()
			finishes[r.ID] = r.Status
			mu.Unlock()
		},
	}))

	_, err := s.Orchestrate(context.Background(), []Node{
		{ID: "a", Run: value(1)},
		{ID: "b", DependsOn: []string{"a"}, Run: failing(errors.New("x"))},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, starts)
	assert.Equal(t, map[string]NodeStatus{"a": NodeCompleted, "b": NodeFailed}, finishes)
}

func TestScheduler_Spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	s := newTestScheduler(t, DefaultConfig(), WithTracer(tp.Tracer("test")))
	_, err := s.Orchestrate(context.Background(), []Node{
		{ID: "a", Run: value(1)},
		{ID: "b", DependsOn: []string{"a"}, Run: value(2)},
	})
	require.NoError(t, err)

	counts := map[string]int{}
	var runSpan tracetest.SpanStub
	for _, sp := range exporter.GetSpans() {
		counts[sp.Name]++
		if sp.Name == "workflow.run" {
			runSpan = sp
		}
	}
	assert.Equal(t, 1, counts["workflow.run"])
	assert.Equal(t, 2, counts["workflow.node"])
	for _, sp := range exporter.GetSpans() {
		if sp.Name == "workflow.node" {
			assert.Equal(t, runSpan.SpanContext.SpanID(), sp.Parent.SpanID())
		}
	}
}

// ---------------------------------------------------------------------------
// properties
// ---------------------------------------------------------------------------

func TestProperty_SchedulerRespectsDependenciesAndBound(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(rt, "nodes")
		limit := rapid.IntRange(1, 4).Draw(rt, "maxConcurrent")

		log := &eventLog{}
		var current, peak atomic.Int32
		nodes := make([]Node, n)
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("n%d", i)
			var deps []string
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(rt, fmt.Sprintf("edge_%d_%d", j, i)) {
					deps = append(deps, fmt.Sprintf("n%d", j))
				}
			}
			nodes[i] = Node{ID: id, DependsOn: deps, Run: func(_ context.Context, in NodeInput) (any, error) {
				c := current.Add(1)
				for {
					p := peak.Load()
					if c <= p || peak.CompareAndSwap(p, c) {
						break
					}
				}
				log.add("start:" + in.ID)
				time.Sleep(time.Millisecond)
				log.add("end:" + in.ID)
				current.Add(-1)
				return in.ID, nil
			}}
		}

		s := NewScheduler(Config{MaxConcurrent: limit}, zap.NewNop())
		res, err := s.Orchestrate(context.Background(), nodes)
		if err != nil {
			rt.Fatalf("orchestrate: %v", err)
		}
		if !res.Succeeded() {
			rt.Fatalf("run did not succeed: %+v", res.Order)
		}
		if int(peak.Load()) > limit {
			rt.Fatalf("peak concurrency %d exceeds %d", peak.Load(), limit)
		}
		for _, node := range nodes {
			for _, dep := range node.DependsOn {
				if log.index("end:"+dep) > log.index("start:"+node.ID) {
					rt.Fatalf("%s started before %s finished: %v", node.ID, dep, log.snapshot())
				}
			}
		}
	})
}
