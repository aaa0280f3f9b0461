package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/agentcore/internal/metrics"
	"github.com/BaSui01/agentcore/recovery"
	"github.com/BaSui01/agentcore/types"
)

const instrumentationName = "github.com/BaSui01/agentcore/workflow"

// ErrNodeNotFound is returned by Run.CancelNode for an id outside the run.
var ErrNodeNotFound = errors.New("node not found")

// Config configures a Scheduler.
type Config struct {
	// MaxConcurrent bounds the number of nodes running at once.
	MaxConcurrent int
	// NodeTimeout is the default per-attempt timeout; 0 disables it.
	NodeTimeout time.Duration
	// CacheTTL is the TTL for cached node results.
	CacheTTL time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 4,
		CacheTTL:      10 * time.Minute,
	}
}

// Hooks observes node execution. Both callbacks run on the scheduling
// goroutine of the run, so calls for one run never overlap.
type Hooks struct {
	OnNodeStart  func(ctx context.Context, id string)
	OnNodeFinish func(ctx context.Context, result NodeResult)
}

// Scheduler executes dependency graphs with bounded concurrency.
// A Scheduler is safe for concurrent use; each Start creates an
// independent Run.
type Scheduler struct {
	config    Config
	policy    *recovery.Policy
	cache     ResultCache
	collector *metrics.Collector
	hooks     Hooks
	tracer    trace.Tracer
	nodes     metric.Int64Counter
	logger    *zap.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPolicy runs every node attempt through policy.
func WithPolicy(p *recovery.Policy) Option {
	return func(s *Scheduler) { s.policy = p }
}

// WithResultCache enables result caching for nodes that set CacheKey.
func WithResultCache(c ResultCache) Option {
	return func(s *Scheduler) { s.cache = c }
}

// WithMetrics records node and run metrics to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.collector = c }
}

// WithHooks installs node observers.
func WithHooks(h Hooks) Option {
	return func(s *Scheduler) { s.hooks = h }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// NewScheduler creates a scheduler.
func NewScheduler(config Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultConfig().MaxConcurrent
	}

	s := &Scheduler{
		config: config,
		logger: logger.With(zap.String("component", "scheduler")),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(instrumentationName)
	}

	counter, err := otel.Meter(instrumentationName).Int64Counter("workflow.nodes",
		metric.WithDescription("Settled workflow nodes by status"),
		metric.WithUnit("{node}"))
	if err != nil {
		s.logger.Warn("failed to create node counter", zap.Error(err))
		counter = noop.Int64Counter{}
	}
	s.nodes = counter

	return s
}

// Orchestrate runs nodes to completion and returns the per-node results.
// Graph errors (cycles, unknown dependencies) are returned before any node runs.
func (s *Scheduler) Orchestrate(ctx context.Context, nodes []Node) (*RunResult, error) {
	run, err := s.Start(ctx, nodes)
	if err != nil {
		return nil, err
	}
	return run.Wait()
}

// Start validates nodes and begins executing them in the background.
func (s *Scheduler) Start(ctx context.Context, nodes []Node) (*Run, error) {
	for i, n := range nodes {
		if n.Run == nil {
			return nil, &InvalidGraphError{Reason: fmt.Sprintf("node %q (position %d) has no function", n.ID, i)}
		}
	}
	graph, err := NewGraph(nodes)
	if err != nil {
		s.collector.RecordSchedulerRun("invalid")
		s.logger.Error("rejecting invalid graph", zap.Error(err))
		return nil, err
	}

	id := uuid.New().String()
	runCtx, cancel := context.WithCancel(types.WithRunID(ctx, id))

	n := graph.Len()
	r := &Run{
		id:              id,
		s:               s,
		graph:           graph,
		nodes:           append([]Node(nil), nodes...),
		ctx:             runCtx,
		cancel:          cancel,
		status:          make([]NodeStatus, n),
		nodeCancel:      make([]context.CancelFunc, n),
		cancelRequested: make([]bool, n),
		results:         make(map[string]*NodeResult, n),
		sem:             semaphore.NewWeighted(int64(s.config.MaxConcurrent)),
		completions:     make(chan *NodeResult, n),
		done:            make(chan struct{}),
		logger:          s.logger.With(zap.String("run_id", id)),
	}
	for i := range r.status {
		r.status[i] = NodePending
	}

	go r.loop()
	return r, nil
}

// Run is one execution of a graph.
type Run struct {
	id     string
	s      *Scheduler
	graph  *Graph
	nodes  []Node
	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	status          []NodeStatus
	nodeCancel      []context.CancelFunc
	cancelRequested []bool
	cancelled       bool
	finished        bool
	results         map[string]*NodeResult
	order           []string

	sem         *semaphore.Weighted
	completions chan *NodeResult
	done        chan struct{}
	result      *RunResult
	err         error

	logger *zap.Logger
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes.
func (r *Run) Wait() (*RunResult, error) {
	<-r.done
	return r.result, r.err
}

// Cancel stops admissions and cancels every node. Running nodes are
// reported cancelled once their call returns; pending nodes immediately.
func (r *Run) Cancel() {
	r.mu.Lock()
	if r.cancelled || r.finished {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	r.mu.Unlock()
	r.cancel()
}

// CancelNode cancels a single node. Its dependents never become ready.
// Cancelling a settled node, or any node after the run has finished, is a
// no-op.
func (r *Run) CancelNode(id string) error {
	i, ok := r.graph.Index(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}

	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return nil
	}
	switch r.status[i] {
	case NodeRunning:
		r.cancelRequested[i] = true
		cancel := r.nodeCancel[i]
		r.mu.Unlock()
		cancel()
	case NodePending, NodeReady:
		res := r.settleCancelledLocked(i)
		r.mu.Unlock()
		r.record(res)
	default:
		r.mu.Unlock()
	}
	return nil
}

// Running returns the ids of nodes currently running.
func (r *Run) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for i, st := range r.status {
		if st == NodeRunning {
			out = append(out, r.graph.ID(i))
		}
	}
	return out
}

// Status returns the current status of id.
func (r *Run) Status(id string) (NodeStatus, bool) {
	i, ok := r.graph.Index(id)
	if !ok {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status[i], true
}

func (r *Run) loop() {
	defer close(r.done)
	defer r.cancel()

	start := time.Now()
	ctx, span := r.s.tracer.Start(r.ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.run_id", r.id),
		attribute.Int("workflow.nodes", r.graph.Len()),
		attribute.Int("workflow.max_concurrent", r.s.config.MaxConcurrent),
	))
	defer span.End()

	r.logger.Info("starting run",
		zap.Int("nodes", r.graph.Len()),
		zap.Int("max_concurrent", r.s.config.MaxConcurrent))

	n := r.graph.Len()
	waiting := make([]int, n)
	ready := make([]int, 0, n)
	r.mu.Lock()
	for i := 0; i < n; i++ {
		waiting[i] = len(r.graph.Dependencies(i))
		if waiting[i] == 0 {
			r.status[i] = NodeReady
			ready = append(ready, i)
		}
	}
	r.mu.Unlock()

	stop := ctx.Done()
	inFlight := 0
	for {
		for len(ready) > 0 && r.sem.TryAcquire(1) {
			i := ready[0]
			ready = ready[1:]
			if !r.launch(ctx, i) {
				r.sem.Release(1)
				continue
			}
			inFlight++
		}
		if inFlight == 0 {
			break
		}

		select {
		case res := <-r.completions:
			inFlight--
			i, _ := r.graph.Index(res.ID)
			r.mu.Lock()
			r.status[i] = res.Status
			r.nodeCancel[i] = nil
			r.results[res.ID] = res
			r.order = append(r.order, res.ID)
			r.mu.Unlock()

			r.s.collector.AddNodesInFlight(-1)
			r.record(res)
			if h := r.s.hooks.OnNodeFinish; h != nil {
				h(ctx, *res)
			}

			if res.Status != NodeCompleted {
				continue
			}
			r.mu.Lock()
			for _, d := range r.graph.Dependents(i) {
				waiting[d]--
				if waiting[d] == 0 && r.status[d] == NodePending {
					r.status[d] = NodeReady
					ready = append(ready, d)
				}
			}
			r.mu.Unlock()

		case <-stop:
			stop = nil
			r.cancelPending()
		}
	}

	result := &RunResult{RunID: r.id}
	var runErr error

	if ctx.Err() != nil {
		r.cancelPending()
	}

	r.mu.Lock()
	result.Cancelled = r.cancelled
	for i := 0; i < n; i++ {
		switch r.status[i] {
		case NodePending:
			if waiting[i] == 0 && runErr == nil {
				runErr = fmt.Errorf("%w: node %q has all dependencies completed but was never scheduled",
					ErrNoProgress, r.graph.ID(i))
			}
			result.Unresolved = append(result.Unresolved, r.graph.ID(i))
		case NodeReady:
			if runErr == nil {
				runErr = fmt.Errorf("%w: node %q is ready but was never admitted", ErrNoProgress, r.graph.ID(i))
			}
			result.Unresolved = append(result.Unresolved, r.graph.ID(i))
		}
	}
	r.finished = true
	result.Results = make(map[string]*NodeResult, len(r.results))
	for id, res := range r.results {
		result.Results[id] = res
	}
	result.Order = append([]string(nil), r.order...)
	r.mu.Unlock()
	result.Duration = time.Since(start)

	outcome := "completed"
	switch {
	case runErr != nil:
		outcome = "error"
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	case result.Cancelled:
		outcome = "cancelled"
	case !result.Succeeded():
		outcome = "failed"
	}
	span.SetAttributes(attribute.String("workflow.outcome", outcome))
	r.s.collector.RecordSchedulerRun(outcome)

	r.logger.Info("run finished",
		zap.String("outcome", outcome),
		zap.Int("settled", len(result.Order)),
		zap.Strings("unresolved", result.Unresolved),
		zap.Duration("duration", result.Duration))

	r.result, r.err = result, runErr
}

// cancelPending marks the run cancelled and settles every node that has
// not started.
func (r *Run) cancelPending() {
	r.mu.Lock()
	r.cancelled = true
	var settled []*NodeResult
	for i, st := range r.status {
		if st == NodePending || st == NodeReady {
			settled = append(settled, r.settleCancelledLocked(i))
		}
	}
	r.mu.Unlock()
	for _, res := range settled {
		r.record(res)
	}
}

func (r *Run) settleCancelledLocked(i int) *NodeResult {
	id := r.graph.ID(i)
	res := &NodeResult{
		ID:     id,
		Status: NodeCancelled,
		Err:    fmt.Errorf("%w: %s", ErrNodeCancelled, id),
	}
	r.status[i] = NodeCancelled
	r.results[id] = res
	r.order = append(r.order, id)
	return res
}

func (r *Run) record(res *NodeResult) {
	r.s.collector.RecordNodeResult(string(res.Status), res.Duration)
	r.s.nodes.Add(r.ctx, 1, metric.WithAttributes(attribute.String("status", string(res.Status))))
}

// launch starts node i. It returns false if the node is no longer ready.
func (r *Run) launch(ctx context.Context, i int) bool {
	r.mu.Lock()
	if r.cancelled || r.status[i] != NodeReady {
		r.mu.Unlock()
		return false
	}
	node := r.nodes[i]
	input := NodeInput{
		ID:      node.ID,
		Payload: node.Payload,
		Deps:    make(map[string]any, len(node.DependsOn)),
	}
	for _, d := range r.graph.Dependencies(i) {
		input.Deps[r.graph.ID(d)] = r.results[r.graph.ID(d)].Result
	}
	nodeCtx, cancel := context.WithCancel(ctx)
	r.status[i] = NodeRunning
	r.nodeCancel[i] = cancel
	r.mu.Unlock()

	r.s.collector.AddNodesInFlight(1)
	if h := r.s.hooks.OnNodeStart; h != nil {
		h(nodeCtx, node.ID)
	}

	go func() {
		defer cancel()
		res := r.execute(nodeCtx, i, node, input)
		r.sem.Release(1)
		r.completions <- res
	}()
	return true
}

func (r *Run) execute(ctx context.Context, i int, node Node, input NodeInput) *NodeResult {
	ctx, span := r.s.tracer.Start(ctx, "workflow.node", trace.WithAttributes(
		attribute.String("workflow.run_id", r.id),
		attribute.String("workflow.node_id", node.ID),
	))
	defer span.End()
	ctx = types.WithTaskID(ctx, node.ID)

	start := time.Now()
	res := &NodeResult{ID: node.ID}

	if r.s.cache != nil && node.CacheKey != "" {
		value, ok, err := r.s.cache.Get(ctx, node.CacheKey)
		if err != nil {
			r.logger.Warn("result cache lookup failed", zap.String("node", node.ID), zap.Error(err))
		} else if ok {
			res.Status = NodeCompleted
			res.Result = value
			res.Cached = true
			res.Duration = time.Since(start)
			span.SetAttributes(attribute.Bool("workflow.cached", true))
			return res
		}
	}

	timeout := node.Timeout
	if timeout <= 0 {
		timeout = r.s.config.NodeTimeout
	}

	var attempts atomic.Int64
	attempt := func(ctx context.Context) (any, error) {
		attempts.Add(1)
		return recovery.RaceTimeout(ctx, node.ID, timeout, func(ctx context.Context) (any, error) {
			return node.Run(ctx, input)
		})
	}

	var (
		value any
		err   error
	)
	if r.s.policy != nil {
		value, err = r.s.policy.Execute(ctx, node.ID, attempt)
	} else {
		value, err = attempt(ctx)
	}

	res.Attempts = int(attempts.Load())
	res.Duration = time.Since(start)

	r.mu.Lock()
	flagged := r.cancelRequested[i] || r.cancelled
	r.mu.Unlock()

	switch {
	case flagged || ctx.Err() != nil:
		res.Status = NodeCancelled
		res.Err = fmt.Errorf("%w: %s", ErrNodeCancelled, node.ID)
	case err != nil:
		res.Status = NodeFailed
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("node failed",
			zap.String("node", node.ID),
			zap.Int("attempts", res.Attempts),
			zap.Error(err))
	default:
		res.Status = NodeCompleted
		res.Result = value
		if r.s.cache != nil && node.CacheKey != "" {
			if err := r.s.cache.Set(ctx, node.CacheKey, value, r.s.config.CacheTTL); err != nil {
				r.logger.Warn("result cache store failed", zap.String("node", node.ID), zap.Error(err))
			}
		}
	}
	span.SetAttributes(
		attribute.String("workflow.node_status", string(res.Status)),
		attribute.Int("workflow.attempts", res.Attempts),
	)
	return res
}

// Levels returns the execution waves of nodes without running them.
func Levels(nodes []Node) ([][]string, error) {
	g, err := NewGraph(nodes)
	if err != nil {
		return nil, err
	}
	return g.Levels(), nil
}
