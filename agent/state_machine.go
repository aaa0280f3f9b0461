package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcore/internal/metrics"
)

// StateMachineConfig 状态机配置
type StateMachineConfig struct {
	SessionID string
	AgentID   string
	// CheckpointStates 进入这些状态时写入检查点，nil 时为 waiting_for_input
	CheckpointStates []State
}

// Snapshotter 提供写入检查点的会话上下文。
// 在状态机内部锁内调用，不能回调状态机。
type Snapshotter func(ctx context.Context) CheckpointPayload

// TransitionListener 状态转换监听器，在转换生效后按注册顺序同步调用
type TransitionListener func(ctx context.Context, t Transition)

// StateMachineOption 状态机选项
type StateMachineOption func(*StateMachine)

// WithSnapshotter 设置检查点内容来源
func WithSnapshotter(fn Snapshotter) StateMachineOption {
	return func(m *StateMachine) { m.snapshot = fn }
}

// WithMetrics 记录状态转换与检查点指标
func WithMetrics(c *metrics.Collector) StateMachineOption {
	return func(m *StateMachine) { m.collector = c }
}

// WithClock 注入时钟
func WithClock(now func() time.Time) StateMachineOption {
	return func(m *StateMachine) { m.now = now }
}

// WithListener 注册转换监听器
func WithListener(l TransitionListener) StateMachineOption {
	return func(m *StateMachine) { m.listeners = append(m.listeners, l) }
}

// StateMachine Agent 生命周期状态机。
// 所有状态变更都经过转换表校验；进入检查点状态前先持久化，写入失败则拒绝转换。
type StateMachine struct {
	config StateMachineConfig

	mu               sync.Mutex
	state            State
	history          []Transition
	checkpointID     string
	lastErr          string
	archived         bool
	listeners        []TransitionListener
	checkpointStates map[State]bool

	storage   CheckpointStorage
	snapshot  Snapshotter
	collector *metrics.Collector
	now       func() time.Time
	logger    *zap.Logger
}

// NewStateMachine 创建处于 idle 的状态机。storage 可为 nil，此时进入检查点状态会失败。
func NewStateMachine(config StateMachineConfig, storage CheckpointStorage, logger *zap.Logger, opts ...StateMachineOption) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	states := config.CheckpointStates
	if states == nil {
		states = []State{StateWaitingForInput}
	}

	m := &StateMachine{
		config:           config,
		state:            StateIdle,
		checkpointStates: make(map[State]bool, len(states)),
		storage:          storage,
		now:              time.Now,
		logger: logger.With(
			zap.String("component", "state_machine"),
			zap.String("session_id", config.SessionID),
		),
	}
	for _, s := range states {
		m.checkpointStates[s] = true
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State 当前状态
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CheckpointID 最近一次写入或恢复的检查点
func (m *StateMachine) CheckpointID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpointID
}

// History 转换历史副本
func (m *StateMachine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// Snapshot 返回当前 AgentState
func (m *StateMachine) Snapshot() AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return AgentState{
		Status:       m.state,
		CheckpointID: m.checkpointID,
		Error:        m.lastErr,
		History:      append([]Transition(nil), m.history...),
		Archived:     m.archived,
	}
}

// OnTransition 注册监听器
func (m *StateMachine) OnTransition(l TransitionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Transition 转换到 to。不在转换表中的边返回 *TransitionError。
func (m *StateMachine) Transition(ctx context.Context, to State) error {
	return m.transition(ctx, to, "", nil)
}

// Fail 转换到 failed 并记录错误详情
func (m *StateMachine) Fail(ctx context.Context, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return m.transition(ctx, StateFailed, reason, cause)
}

func (m *StateMachine) transition(ctx context.Context, to State, reason string, cause error) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		m.logger.Warn("rejected state transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return &TransitionError{From: from, To: to}
	}

	t := Transition{From: from, To: to, Reason: reason, At: m.now()}
	if m.checkpointStates[to] {
		cp, err := m.saveLocked(ctx, to, &t, nil)
		if err != nil {
			m.mu.Unlock()
			m.logger.Error("checkpoint failed, transition rejected",
				zap.String("from", string(from)),
				zap.String("to", string(to)),
				zap.Error(err))
			return fmt.Errorf("checkpoint on entering %s: %w", to, err)
		}
		m.checkpointID = cp.ID
	}

	m.state = to
	m.history = append(m.history, t)
	if cause != nil {
		m.lastErr = cause.Error()
	}
	listeners := append([]TransitionListener(nil), m.listeners...)
	m.mu.Unlock()

	m.collector.RecordStateTransition(string(from), string(to))
	m.logger.Info("state transition", zap.String("from", string(from)), zap.String("to", string(to)))
	for _, l := range listeners {
		l(ctx, t)
	}
	return nil
}

// saveLocked 写入检查点，pending 为即将生效的转换；调用方持有 m.mu
func (m *StateMachine) saveLocked(ctx context.Context, state State, pending *Transition, metadata map[string]any) (*Checkpoint, error) {
	if m.storage == nil {
		return nil, ErrNoCheckpointStorage
	}

	cp := &Checkpoint{
		ID:        NewCheckpointID(),
		SessionID: m.config.SessionID,
		AgentID:   m.config.AgentID,
		State:     state,
		ParentID:  m.checkpointID,
		History:   append([]Transition(nil), m.history...),
		Error:     m.lastErr,
		Metadata:  metadata,
		CreatedAt: m.now(),
	}
	if pending != nil {
		cp.History = append(cp.History, *pending)
	}
	if m.snapshot != nil {
		p := m.snapshot(ctx)
		cp.Messages = p.Messages
		cp.Plan = p.Plan
		cp.PendingSteps = p.PendingSteps
		cp.Outputs = p.Outputs
		cp.AwaitingStep = p.AwaitingStep
		if cp.Metadata == nil {
			cp.Metadata = p.Metadata
		} else {
			for k, v := range p.Metadata {
				if _, exists := cp.Metadata[k]; !exists {
					cp.Metadata[k] = v
				}
			}
		}
	}

	err := m.storage.Save(ctx, cp)
	m.collector.RecordCheckpoint("save", err)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("checkpoint saved",
		zap.String("checkpoint_id", cp.ID),
		zap.String("state", string(state)))
	return cp, nil
}

// Resume 从检查点恢复：重新进入检查点记录的状态（而不是 idle），
// 并以检查点中的历史替换当前历史。checkpointID 为空时使用最近一次的检查点。
func (m *StateMachine) Resume(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	m.mu.Lock()
	if m.storage == nil {
		m.mu.Unlock()
		return nil, ErrNoCheckpointStorage
	}
	from := m.state
	if from.IsTerminal() {
		m.mu.Unlock()
		return nil, &TransitionError{From: from, To: from}
	}
	id := checkpointID
	if id == "" {
		id = m.checkpointID
	}
	if id == "" {
		m.mu.Unlock()
		return nil, ErrCheckpointNotFound
	}

	cp, err := m.storage.Load(ctx, id)
	m.collector.RecordCheckpoint("load", err)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("resume from %s: %w", id, err)
	}
	if !cp.State.IsValid() || cp.State.IsTerminal() {
		m.mu.Unlock()
		return nil, &TransitionError{From: from, To: cp.State}
	}

	t := Transition{From: from, To: cp.State, Reason: "resume:" + cp.ID, At: m.now()}
	m.state = cp.State
	m.history = append(append([]Transition(nil), cp.History...), t)
	m.checkpointID = cp.ID
	m.lastErr = cp.Error
	listeners := append([]TransitionListener(nil), m.listeners...)
	m.mu.Unlock()

	m.collector.RecordStateTransition(string(from), string(cp.State))
	m.logger.Info("resumed from checkpoint",
		zap.String("checkpoint_id", cp.ID),
		zap.String("from", string(from)),
		zap.String("state", string(cp.State)))
	for _, l := range listeners {
		l(ctx, t)
	}
	return cp, nil
}

// Archive 在终态写入最终快照并标记归档。未配置存储时只标记归档并返回快照。
func (m *StateMachine) Archive(ctx context.Context) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrNotTerminal, m.state)
	}
	if m.archived {
		return nil, ErrAlreadyArchived
	}

	if m.storage == nil {
		m.archived = true
		return &Checkpoint{
			SessionID: m.config.SessionID,
			AgentID:   m.config.AgentID,
			State:     m.state,
			History:   append([]Transition(nil), m.history...),
			Error:     m.lastErr,
			CreatedAt: m.now(),
		}, nil
	}

	// 归档不是状态转换，不追加历史
	cp, err := m.saveLocked(ctx, m.state, nil, map[string]any{"archived": true})
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	m.checkpointID = cp.ID
	m.archived = true
	return cp, nil
}
