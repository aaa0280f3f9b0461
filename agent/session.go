package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcore/internal/metrics"
	"github.com/BaSui01/agentcore/recovery"
	"github.com/BaSui01/agentcore/types"
	"github.com/BaSui01/agentcore/workflow"
)

// SessionConfig 会话配置
type SessionConfig struct {
	ID           string
	AgentID      string
	SystemPrompt string
	// MaxRestores checkpoint_restore 动作触发的最大恢复次数
	MaxRestores int
	// StepTimeout 单步单次尝试超时，0 表示使用调度器默认值
	StepTimeout time.Duration
}

// SessionDeps 会话依赖。Planner 必填；Scheduler 为 nil 时使用默认调度器。
type SessionDeps struct {
	Planner   Planner
	Agent     AgentLike
	Tools     *ToolRegistry
	Storage   CheckpointStorage
	Scheduler *workflow.Scheduler
	Policy    *recovery.Policy
	Collector *metrics.Collector
}

// SessionResult 一次 Run / ProvideInput 调用结束时的会话视图
type SessionResult struct {
	SessionID    string
	State        State
	Outputs      map[string]any
	AwaitingStep string
	Prompt       string
	CheckpointID string
	Restores     int
}

// Session 驱动一个 Agent 的完整生命周期：
// idle → planning → executing ⇄ waiting_for_input → completed / failed / cancelled。
//
// 计划步骤交给 workflow.Scheduler 按依赖并发执行，每个步骤经过 recovery.Policy。
// 当策略以 *recovery.CheckpointRestoreError 结束某个步骤时，会话通过
// StateMachine.Resume 载入检查点，恢复消息与已完成输出，重新进入检查点状态，
// 然后重跑未完成的步骤；最多 MaxRestores 次，超过后会话失败。
type Session struct {
	config  SessionConfig
	deps    SessionDeps
	machine *StateMachine
	logger  *zap.Logger

	mu       sync.Mutex
	messages []Message
	plan     *Plan
	outputs  map[string]any
	inputs   map[string]string
	awaiting string
	prompt   string
	restores int
	run      *workflow.Run
}

// NewSession 创建会话
func NewSession(config SessionConfig, deps SessionDeps, logger *zap.Logger) (*Session, error) {
	if deps.Planner == nil {
		return nil, errors.New("session requires a planner")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ID == "" {
		config.ID = uuid.NewString()
	}
	if config.MaxRestores < 0 {
		config.MaxRestores = 0
	}
	if deps.Tools == nil {
		deps.Tools = NewToolRegistry()
	}
	if deps.Scheduler == nil {
		deps.Scheduler = workflow.NewScheduler(workflow.DefaultConfig(), logger, workflow.WithMetrics(deps.Collector))
	}

	s := &Session{
		config:  config,
		deps:    deps,
		outputs: make(map[string]any),
		inputs:  make(map[string]string),
		logger: logger.With(
			zap.String("component", "session"),
			zap.String("session_id", config.ID),
		),
	}
	s.machine = NewStateMachine(StateMachineConfig{
		SessionID: config.ID,
		AgentID:   config.AgentID,
	}, deps.Storage, logger, WithSnapshotter(s.snapshot), WithMetrics(deps.Collector))
	return s, nil
}

// ID 会话 ID
func (s *Session) ID() string { return s.config.ID }

// State 当前状态
func (s *Session) State() State { return s.machine.State() }

// Machine 会话持有的状态机
func (s *Session) Machine() *StateMachine { return s.machine }

// Messages 会话消息副本
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Plan 当前计划
func (s *Session) Plan() *Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// Run 规划并执行 goal
func (s *Session) Run(ctx context.Context, goal string) (*SessionResult, error) {
	if err := s.machine.Transition(ctx, StatePlanning); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.messages = append(s.messages, Message{Role: RoleUser, Content: goal})
	history := append([]Message(nil), s.messages...)
	s.mu.Unlock()

	plan, err := s.deps.Planner.Plan(ctx, goal, history)
	if err == nil {
		err = validatePlan(plan)
	}
	if err != nil {
		return s.fail(ctx, fmt.Errorf("planning: %w", err))
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}

	s.mu.Lock()
	s.plan = plan
	s.outputs = make(map[string]any, len(plan.Steps))
	s.mu.Unlock()

	s.logger.Info("plan ready", zap.String("plan_id", plan.ID), zap.Int("steps", len(plan.Steps)))

	if err := s.machine.Transition(ctx, StateExecuting); err != nil {
		return s.result(), err
	}
	return s.execute(ctx)
}

// ProvideInput 为等待中的步骤提供输入并继续执行
func (s *Session) ProvideInput(ctx context.Context, input string) (*SessionResult, error) {
	if st := s.machine.State(); st != StateWaitingForInput {
		return nil, fmt.Errorf("%w (state %s)", ErrNotWaitingForInput, st)
	}

	s.mu.Lock()
	step := s.awaiting
	s.inputs[step] = input
	s.messages = append(s.messages, Message{Role: RoleUser, Content: input, Name: step})
	s.awaiting, s.prompt = "", ""
	s.mu.Unlock()

	if err := s.machine.Transition(ctx, StateExecuting); err != nil {
		return s.result(), err
	}
	return s.execute(ctx)
}

// Restore 从检查点恢复会话（例如进程重启后），恢复后通常处于 waiting_for_input
func (s *Session) Restore(ctx context.Context, checkpointID string) (*SessionResult, error) {
	cp, err := s.machine.Resume(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	s.restoreFrom(cp)
	return s.result(), nil
}

// Cancel 取消会话；正在执行的步骤在返回后被报告为 cancelled
func (s *Session) Cancel(ctx context.Context) error {
	if err := s.machine.Transition(ctx, StateCancelled); err != nil {
		return err
	}
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run != nil {
		run.Cancel()
	}
	s.archive(ctx)
	return nil
}

func (s *Session) execute(ctx context.Context) (*SessionResult, error) {
	for {
		if s.machine.State() == StateCancelled {
			return s.result(), nil
		}

		res, err := s.runPending(ctx)
		if err != nil {
			return s.fail(ctx, err)
		}
		s.absorb(res)

		if res.Cancelled || s.machine.State() == StateCancelled {
			if s.machine.State() != StateCancelled {
				_ = s.machine.Transition(context.WithoutCancel(ctx), StateCancelled)
				s.archive(context.WithoutCancel(ctx))
			}
			return s.result(), ctx.Err()
		}

		var (
			restoreErr *recovery.CheckpointRestoreError
			inputErr   *InputRequiredError
			failure    error
		)
		for _, id := range res.Failed() {
			err := res.Results[id].Err
			var rerr *recovery.CheckpointRestoreError
			var ierr *InputRequiredError
			switch {
			case errors.As(err, &rerr):
				if restoreErr == nil {
					restoreErr = rerr
				}
			case errors.As(err, &ierr):
				if inputErr == nil {
					inputErr = ierr
				}
			default:
				if failure == nil {
					failure = fmt.Errorf("step %s: %w", id, err)
				}
			}
		}

		switch {
		case restoreErr != nil:
			if err := s.restore(ctx, restoreErr); err != nil {
				return s.fail(ctx, err)
			}
			if s.machine.State() == StateWaitingForInput {
				return s.result(), nil
			}
			continue

		case failure != nil:
			return s.fail(ctx, failure)

		case inputErr != nil:
			s.mu.Lock()
			s.awaiting, s.prompt = inputErr.StepID, inputErr.Prompt
			s.mu.Unlock()
			if err := s.machine.Transition(ctx, StateWaitingForInput); err != nil {
				return s.fail(ctx, err)
			}
			s.logger.Info("waiting for input", zap.String("step", inputErr.StepID))
			return s.result(), nil
		}

		if len(s.pendingSteps()) > 0 {
			return s.fail(ctx, fmt.Errorf("%w: steps %v never became ready", workflow.ErrNoProgress, res.Unresolved))
		}
		if err := s.machine.Transition(ctx, StateCompleted); err != nil {
			return s.result(), err
		}
		s.archive(ctx)
		return s.result(), nil
	}
}

// restore 执行 checkpoint_restore：载入检查点、恢复会话上下文，
// 若检查点状态的输入已具备则回到 executing 以重跑未完成步骤
func (s *Session) restore(ctx context.Context, cause *recovery.CheckpointRestoreError) error {
	s.mu.Lock()
	if s.restores >= s.config.MaxRestores {
		s.mu.Unlock()
		return fmt.Errorf("checkpoint restore limit %d reached: %w", s.config.MaxRestores, cause)
	}
	s.restores++
	attempt := s.restores
	s.mu.Unlock()

	cp, err := s.machine.Resume(ctx, cause.CheckpointID)
	if err != nil {
		return fmt.Errorf("checkpoint restore: %w", errors.Join(err, cause))
	}
	s.restoreFrom(cp)
	s.logger.Warn("restored from checkpoint",
		zap.String("checkpoint_id", cp.ID),
		zap.String("state", string(cp.State)),
		zap.Int("restore", attempt),
		zap.Error(cause.Err))

	if cp.State == StateWaitingForInput {
		s.mu.Lock()
		_, answered := s.inputs[cp.AwaitingStep]
		if answered {
			s.awaiting, s.prompt = "", ""
		}
		s.mu.Unlock()
		if !answered {
			return nil
		}
	}
	if cp.State != StateExecuting {
		return s.machine.Transition(ctx, StateExecuting)
	}
	return nil
}

func (s *Session) restoreFrom(cp *Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]Message(nil), cp.Messages...)
	if cp.Plan != nil {
		s.plan = cp.Plan
	}
	s.outputs = make(map[string]any, len(cp.Outputs))
	for k, v := range cp.Outputs {
		s.outputs[k] = v
	}
	s.awaiting = cp.AwaitingStep
	s.prompt = ""
	if p, ok := cp.Metadata["prompt"].(string); ok {
		s.prompt = p
	}
}

func (s *Session) runPending(ctx context.Context) (*workflow.RunResult, error) {
	s.mu.Lock()
	var steps []PlanStep
	if s.plan != nil {
		steps = s.plan.Steps
	}
	pending := make(map[string]bool, len(steps))
	for _, st := range steps {
		if _, done := s.outputs[st.ID]; !done {
			pending[st.ID] = true
		}
	}
	nodes := make([]workflow.Node, 0, len(pending))
	for _, st := range steps {
		if !pending[st.ID] {
			continue
		}
		var deps []string
		for _, d := range st.DependsOn {
			if pending[d] {
				deps = append(deps, d)
			}
		}
		nodes = append(nodes, workflow.Node{
			ID:        st.ID,
			Payload:   st,
			DependsOn: deps,
			Run:       s.stepFunc(st),
			Timeout:   s.config.StepTimeout,
		})
	}
	s.mu.Unlock()

	run, err := s.deps.Scheduler.Start(ctx, nodes)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.run = run
	s.mu.Unlock()
	if s.machine.State() == StateCancelled {
		run.Cancel()
	}

	res, err := run.Wait()

	s.mu.Lock()
	s.run = nil
	s.mu.Unlock()
	return res, err
}

func (s *Session) stepFunc(step PlanStep) workflow.NodeFunc {
	return func(ctx context.Context, in workflow.NodeInput) (any, error) {
		s.mu.Lock()
		input, hasInput := s.inputs[step.ID]
		deps := make(map[string]any, len(step.DependsOn))
		for _, d := range step.DependsOn {
			if v, ok := s.outputs[d]; ok {
				deps[d] = v
			}
		}
		s.mu.Unlock()
		for id, v := range in.Deps {
			deps[id] = v
		}
		ctx = types.WithSessionID(ctx, s.config.ID)
		if s.config.AgentID != "" {
			ctx = types.WithAgentID(ctx, s.config.AgentID)
		}
		if hasInput {
			ctx = WithStepInput(ctx, input)
		}

		op := func(ctx context.Context) (any, error) { return s.invoke(ctx, step, deps) }

		var (
			value any
			err   error
		)
		if s.deps.Policy != nil {
			value, err = s.deps.Policy.Execute(ctx, "step:"+step.ID, op, recovery.WithNonRetryable(ErrInputRequired))
		} else {
			value, err = op(ctx)
		}

		var ierr *InputRequiredError
		if errors.As(err, &ierr) {
			return nil, &InputRequiredError{StepID: step.ID, Prompt: ierr.Prompt}
		}
		if errors.Is(err, ErrInputRequired) {
			return nil, &InputRequiredError{StepID: step.ID}
		}
		return value, err
	}
}

func (s *Session) invoke(ctx context.Context, step PlanStep, deps map[string]any) (any, error) {
	if step.Tool != "" {
		return s.deps.Tools.Execute(ctx, step.Tool, step.Args)
	}
	if s.deps.Agent == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoExecutor, step.ID)
	}
	resp, err := s.deps.Agent.Chat(ctx, step.Description, ChatOptions{
		SystemPrompt: s.config.SystemPrompt,
		Context:      deps,
		Tools:        s.deps.Tools.Names(),
		Metadata:     map[string]string{"session_id": s.config.ID, "step_id": step.ID},
	})
	if err != nil {
		return nil, err
	}
	return resp.Content, nil
}

func (s *Session) absorb(res *workflow.RunResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range res.Order {
		r := res.Results[id]
		if r.Status != workflow.NodeCompleted {
			continue
		}
		s.outputs[id] = r.Result
		role := RoleAssistant
		if step, ok := r.Result.(string); ok {
			s.messages = append(s.messages, Message{Role: role, Name: id, Content: step})
		} else {
			s.messages = append(s.messages, Message{Role: role, Name: id, Content: fmt.Sprint(r.Result)})
		}
	}
}

func (s *Session) pendingSteps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan == nil {
		return nil
	}
	var out []string
	for _, st := range s.plan.Steps {
		if _, done := s.outputs[st.ID]; !done {
			out = append(out, st.ID)
		}
	}
	return out
}

// snapshot 作为状态机的 Snapshotter，不能调用状态机
func (s *Session) snapshot(context.Context) CheckpointPayload {
	s.mu.Lock()
	defer s.mu.Unlock()

	outputs := make(map[string]any, len(s.outputs))
	for k, v := range s.outputs {
		outputs[k] = v
	}
	var pending []string
	if s.plan != nil {
		for _, st := range s.plan.Steps {
			if _, done := s.outputs[st.ID]; !done {
				pending = append(pending, st.ID)
			}
		}
	}
	p := CheckpointPayload{
		Messages:     append([]Message(nil), s.messages...),
		Plan:         s.plan,
		PendingSteps: pending,
		Outputs:      outputs,
		AwaitingStep: s.awaiting,
	}
	if s.prompt != "" {
		p.Metadata = map[string]any{"prompt": s.prompt}
	}
	return p
}

func (s *Session) fail(ctx context.Context, cause error) (*SessionResult, error) {
	if err := s.machine.Fail(ctx, cause); err != nil {
		if s.machine.State() == StateCancelled {
			return s.result(), nil
		}
		s.logger.Error("failed to record failure", zap.Error(err))
		return s.result(), errors.Join(cause, err)
	}
	s.logger.Warn("session failed", zap.Error(cause))
	s.archive(ctx)
	return s.result(), cause
}

func (s *Session) archive(ctx context.Context) {
	if _, err := s.machine.Archive(ctx); err != nil && !errors.Is(err, ErrAlreadyArchived) {
		s.logger.Warn("archive failed", zap.Error(err))
	}
}

func (s *Session) result() *SessionResult {
	s.mu.Lock()
	outputs := make(map[string]any, len(s.outputs))
	for k, v := range s.outputs {
		outputs[k] = v
	}
	r := &SessionResult{
		SessionID:    s.config.ID,
		Outputs:      outputs,
		AwaitingStep: s.awaiting,
		Prompt:       s.prompt,
		Restores:     s.restores,
	}
	s.mu.Unlock()
	r.State = s.machine.State()
	r.CheckpointID = s.machine.CheckpointID()
	return r
}

func validatePlan(plan *Plan) error {
	if plan == nil {
		return errors.New("planner returned no plan")
	}
	nodes := make([]workflow.Node, len(plan.Steps))
	for i, st := range plan.Steps {
		nodes[i] = workflow.Node{ID: st.ID, DependsOn: st.DependsOn}
	}
	if _, err := workflow.NewGraph(nodes); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}
	return nil
}
