package subagent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentcore/agent"
	"github.com/BaSui01/agentcore/config"
	"github.com/BaSui01/agentcore/internal/metrics"
	"github.com/BaSui01/agentcore/recovery"
	"github.com/BaSui01/agentcore/types"
	"github.com/BaSui01/agentcore/workflow"
)

var (
	// ErrNoFactory 未提供 AgentFactory
	ErrNoFactory = errors.New("agent factory is required")

	// ErrTaskNotFound 任务不在运行中
	ErrTaskNotFound = errors.New("task not found")

	// ErrBlocked 依赖未完成，任务从未开始
	ErrBlocked = errors.New("task blocked by unfinished dependencies")
)

// TaskStatus 任务最终状态
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
	TaskCancelled TaskStatus = "cancelled"
	TaskBlocked   TaskStatus = "blocked"
)

// Task 子 Agent 任务
type Task struct {
	ID        string
	Agent     agent.AgentConfig
	Input     string
	DependsOn []string
	// Timeout 单次尝试超时，0 使用 Config.TaskTimeout
	Timeout time.Duration
	// CacheKey 结果缓存键；配置了结果缓存且为空时使用任务 ID
	CacheKey string
	Metadata map[string]string
}

// TaskResult 任务结果。失败不会从 Run 抛出，除非开启 PropagateErrors。
type TaskResult struct {
	TaskID    string
	AgentName string
	Status    TaskStatus
	Output    string
	Usage     *agent.Usage
	Err       error
	Error     string
	Attempts  int
	Duration  time.Duration
	Cached    bool
}

// TaskError PropagateErrors 开启时 Run 返回的首个失败
type TaskError struct {
	TaskID string
	Status TaskStatus
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s %s: %v", e.TaskID, e.Status, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Callbacks 任务回调。OnStart 在任务首次调用 Agent 前于任务协程中调用，
// 可能并发；OnComplete / OnError 在 Run 返回前按完成顺序串行调用。
type Callbacks struct {
	OnStart    func(ctx context.Context, task Task)
	OnComplete func(ctx context.Context, result TaskResult)
	OnError    func(ctx context.Context, result TaskResult)
}

// Config 管理器配置
type Config struct {
	MaxConcurrent int
	TaskTimeout   time.Duration
	// SpawnRate 每秒最多调用 Agent 的次数，0 表示不限
	SpawnRate  float64
	SpawnBurst int
	// PropagateErrors 为 true 时首个失败作为 *TaskError 返回
	PropagateErrors bool
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 4,
		TaskTimeout:   5 * time.Minute,
	}
}

// FromConfig 由全局配置构造
func FromConfig(c config.SubagentConfig) Config {
	return Config{
		MaxConcurrent:   c.MaxConcurrent,
		TaskTimeout:     c.TaskTimeout,
		SpawnRate:       c.SpawnRate,
		SpawnBurst:      c.SpawnBurst,
		PropagateErrors: c.PropagateErrors,
	}
}

// Option 管理器选项
type Option func(*Manager)

// WithPolicy 每次 Agent 调用经过恢复策略
func WithPolicy(p *recovery.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithResultCache 缓存已完成任务的输出
func WithResultCache(c workflow.ResultCache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithCallbacks 设置任务回调
func WithCallbacks(cb Callbacks) Option {
	return func(m *Manager) { m.callbacks = cb }
}

// WithMetrics 记录任务指标
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.collector = c }
}

// Manager 子 Agent 管理器：按依赖调度任务，经恢复策略调用由工厂创建的 Agent。
// Agent 实例按名称缓存在管理器内，不跨管理器共享。
type Manager struct {
	config    Config
	factory   agent.AgentFactory
	scheduler *workflow.Scheduler
	policy    *recovery.Policy
	cache     workflow.ResultCache
	limiter   *rate.Limiter
	callbacks Callbacks
	collector *metrics.Collector
	logger    *zap.Logger

	mu      sync.Mutex
	agents  map[string]agent.AgentLike
	running map[string][]*batch
	batches map[*batch]struct{}
}

// batch 是一次 Run 调用。调度开始前即登记，run 在 Start 返回后才可用；
// 此前收到的取消请求暂存，Start 之后补发。
type batch struct {
	run       *workflow.Run
	cancelled []string
	cancelAll bool
}

// NewManager 创建子 Agent 管理器
func NewManager(cfg Config, factory agent.AgentFactory, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if factory == nil {
		return nil, ErrNoFactory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}

	m := &Manager{
		config:  cfg,
		factory: factory,
		agents:  make(map[string]agent.AgentLike),
		running: make(map[string][]*batch),
		batches: make(map[*batch]struct{}),
		logger:  logger.With(zap.String("component", "subagent_manager")),
	}
	for _, opt := range opts {
		opt(m)
	}

	if cfg.SpawnRate > 0 {
		burst := cfg.SpawnBurst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.SpawnRate), burst)
	}

	schedOpts := []workflow.Option{workflow.WithMetrics(m.collector)}
	if m.policy != nil {
		schedOpts = append(schedOpts, workflow.WithPolicy(m.policy))
	}
	if m.cache != nil {
		schedOpts = append(schedOpts, workflow.WithResultCache(m.cache))
	}
	m.scheduler = workflow.NewScheduler(workflow.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		NodeTimeout:   cfg.TaskTimeout,
		CacheTTL:      workflow.DefaultConfig().CacheTTL,
	}, logger, schedOpts...)

	return m, nil
}

// Agents 已缓存的 Agent 名称
func (m *Manager) Agents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.agents))
	for name := range m.agents {
		names = append(names, name)
	}
	return names
}

// ResetAgents 清空 Agent 缓存
func (m *Manager) ResetAgents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = make(map[string]agent.AgentLike)
}

// Cancel 取消一个运行中的任务。多个并发批次使用同一任务 ID 时全部取消。
// 正在调用的 Agent 不会被强制中断，其结果被丢弃。
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	batches := m.running[taskID]
	if len(batches) == 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	var runs []*workflow.Run
	for _, b := range batches {
		if b.run == nil {
			b.cancelled = append(b.cancelled, taskID)
			continue
		}
		runs = append(runs, b.run)
	}
	m.mu.Unlock()

	var errs []error
	for _, r := range runs {
		if err := r.CancelNode(taskID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CancelAll 取消所有运行中的批次
func (m *Manager) CancelAll() {
	m.mu.Lock()
	runs := make([]*workflow.Run, 0, len(m.batches))
	for b := range m.batches {
		if b.run == nil {
			b.cancelAll = true
			continue
		}
		runs = append(runs, b.run)
	}
	m.mu.Unlock()
	for _, r := range runs {
		r.Cancel()
	}
}

func (m *Manager) register(tasks []Task) *batch {
	b := &batch{}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b] = struct{}{}
	for _, task := range tasks {
		m.running[task.ID] = append(m.running[task.ID], b)
	}
	return b
}

func (m *Manager) unregister(b *batch, tasks []Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.batches, b)
	for _, task := range tasks {
		kept := m.running[task.ID][:0]
		for _, other := range m.running[task.ID] {
			if other != b {
				kept = append(kept, other)
			}
		}
		if len(kept) == 0 {
			delete(m.running, task.ID)
		} else {
			m.running[task.ID] = kept
		}
	}
}

// attach 绑定已启动的 run 并补发登记期间收到的取消
func (m *Manager) attach(b *batch, run *workflow.Run) {
	m.mu.Lock()
	b.run = run
	cancelled, cancelAll := b.cancelled, b.cancelAll
	b.cancelled = nil
	m.mu.Unlock()

	if cancelAll {
		run.Cancel()
		return
	}
	for _, id := range cancelled {
		_ = run.CancelNode(id)
	}
}

// Invalidate 删除任务的缓存结果，下次 Run 重新调用 Agent。未配置缓存时无操作。
func (m *Manager) Invalidate(ctx context.Context, tasks ...Task) error {
	if m.cache == nil || len(tasks) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tasks))
	for _, task := range tasks {
		keys = append(keys, m.cacheKey(task))
	}
	if err := m.cache.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("invalidate task results: %w", err)
	}
	return nil
}

func (m *Manager) cacheKey(task Task) string {
	if task.CacheKey != "" || m.cache == nil {
		return task.CacheKey
	}
	return task.Agent.Name + ":" + task.ID
}

// Run 执行一批任务并按输入顺序返回结果。
// 依赖环与未知依赖在任何任务开始前返回错误。
func (m *Manager) Run(ctx context.Context, tasks []Task) ([]TaskResult, error) {
	byID := make(map[string]Task, len(tasks))
	nodes := make([]workflow.Node, len(tasks))
	for i, task := range tasks {
		if task.Agent.Name == "" {
			return nil, fmt.Errorf("task %q: agent name is required", task.ID)
		}
		byID[task.ID] = task
		nodes[i] = workflow.Node{
			ID:        task.ID,
			Payload:   task,
			DependsOn: task.DependsOn,
			Run:       m.taskFunc(task, newRunState()),
			Timeout:   task.Timeout,
			CacheKey:  m.cacheKey(task),
		}
	}

	b := m.register(tasks)
	run, err := m.scheduler.Start(ctx, nodes)
	if err != nil {
		m.unregister(b, tasks)
		return nil, err
	}
	m.attach(b, run)

	res, err := run.Wait()
	m.unregister(b, tasks)

	if err != nil {
		return nil, err
	}

	results := make(map[string]TaskResult, len(tasks))
	var firstErr error
	settle := func(tr TaskResult) {
		results[tr.TaskID] = tr
		m.collector.RecordSubagentTask(tr.AgentName, string(tr.Status), tr.Duration)
		if tr.Status == TaskCompleted {
			if m.callbacks.OnComplete != nil {
				m.callbacks.OnComplete(ctx, tr)
			}
			return
		}
		if m.callbacks.OnError != nil {
			m.callbacks.OnError(ctx, tr)
		}
		if firstErr == nil && tr.Status != TaskBlocked {
			firstErr = &TaskError{TaskID: tr.TaskID, Status: tr.Status, Err: tr.Err}
		}
	}

	for _, id := range res.Order {
		settle(m.toTaskResult(byID[id], res.Results[id]))
	}
	for _, id := range res.Unresolved {
		settle(TaskResult{
			TaskID:    id,
			AgentName: byID[id].Agent.Name,
			Status:    TaskBlocked,
			Err:       fmt.Errorf("%w: %s", ErrBlocked, id),
			Error:     fmt.Sprintf("%s: %s", ErrBlocked, id),
		})
	}

	out := make([]TaskResult, len(tasks))
	for i, task := range tasks {
		out[i] = results[task.ID]
	}

	m.logger.Debug("batch finished",
		zap.String("run_id", res.RunID),
		zap.Int("tasks", len(tasks)),
		zap.Bool("cancelled", res.Cancelled),
		zap.Duration("duration", res.Duration))

	if err := ctx.Err(); err != nil {
		return out, err
	}
	if m.config.PropagateErrors && firstErr != nil {
		return out, firstErr
	}
	return out, nil
}

func (m *Manager) toTaskResult(task Task, nr *workflow.NodeResult) TaskResult {
	tr := TaskResult{
		TaskID:    task.ID,
		AgentName: task.Agent.Name,
		Attempts:  nr.Attempts,
		Duration:  nr.Duration,
		Cached:    nr.Cached,
		Err:       nr.Err,
	}
	if nr.Err != nil {
		tr.Error = nr.Err.Error()
	}

	switch nr.Status {
	case workflow.NodeCompleted:
		tr.Status = TaskCompleted
		switch v := nr.Result.(type) {
		case output:
			tr.Output, tr.Usage = v.Content, v.Usage
		case string:
			tr.Output = v
		case map[string]any:
			// Redis 缓存解码后的 output
			tr.Output, _ = v["content"].(string)
		}
	case workflow.NodeCancelled:
		tr.Status = TaskCancelled
	default:
		if errors.Is(nr.Err, recovery.ErrTimeout) || errors.Is(nr.Err, recovery.ErrTotalTimeout) ||
			errors.Is(nr.Err, context.DeadlineExceeded) {
			tr.Status = TaskTimeout
		} else {
			tr.Status = TaskFailed
		}
	}
	return tr
}

// output 任务输出，依赖它的任务在 ChatOptions.Context 中收到 Content
type output struct {
	Content string       `json:"content"`
	Usage   *agent.Usage `json:"usage,omitempty"`
}

type runState struct {
	started sync.Once
}

func newRunState() *runState { return &runState{} }

func (m *Manager) taskFunc(task Task, st *runState) workflow.NodeFunc {
	return func(ctx context.Context, in workflow.NodeInput) (any, error) {
		ctx = types.WithAgentID(types.WithTaskID(ctx, task.ID), task.Agent.Name)
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("spawn limiter: %w", err)
			}
		}

		a, err := m.agentFor(ctx, task.Agent)
		if err != nil {
			return nil, err
		}

		st.started.Do(func() {
			m.logger.Debug("task started", zap.String("task", task.ID), zap.String("agent", task.Agent.Name))
			if m.callbacks.OnStart != nil {
				m.callbacks.OnStart(ctx, task)
			}
		})

		deps := make(map[string]any, len(in.Deps))
		for id, v := range in.Deps {
			switch o := v.(type) {
			case output:
				deps[id] = o.Content
			case map[string]any:
				deps[id] = o["content"]
			default:
				deps[id] = v
			}
		}

		resp, err := a.Chat(ctx, task.Input, agent.ChatOptions{
			SystemPrompt: task.Agent.SystemPrompt,
			Context:      deps,
			Tools:        task.Agent.Tools,
			Metadata:     mergeMetadata(task.Agent.Metadata, task.Metadata, task.ID),
		})
		if err != nil {
			return nil, err
		}
		return output{Content: resp.Content, Usage: resp.Usage}, nil
	}
}

// agentFor 返回按名称缓存的 Agent，首次使用时由工厂创建
func (m *Manager) agentFor(ctx context.Context, cfg agent.AgentConfig) (agent.AgentLike, error) {
	m.mu.Lock()
	a, ok := m.agents[cfg.Name]
	m.mu.Unlock()
	if ok {
		return a, nil
	}

	created, err := m.factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create agent %s: %w", cfg.Name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.agents[cfg.Name]; ok {
		return existing, nil
	}
	m.agents[cfg.Name] = created
	return created, nil
}

func mergeMetadata(base, extra map[string]string, taskID string) map[string]string {
	out := make(map[string]string, len(base)+len(extra)+1)
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	out["task_id"] = taskID
	return out
}
