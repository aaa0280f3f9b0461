package agent

import "time"

// State 定义 Agent 生命周期状态
type State string

const (
	StateIdle            State = "idle"              // 初始状态
	StatePlanning        State = "planning"          // 生成计划
	StateExecuting       State = "executing"         // 执行计划步骤
	StateWaitingForInput State = "waiting_for_input" // 等待外部输入
	StateCompleted       State = "completed"         // 完成
	StateFailed          State = "failed"            // 失败
	StateCancelled       State = "cancelled"         // 已取消
)

// validTransitions 定义合法的状态转换。终态没有出边。
var validTransitions = map[State][]State{
	StateIdle:            {StatePlanning},
	StatePlanning:        {StateExecuting, StateFailed, StateCancelled},
	StateExecuting:       {StatePlanning, StateWaitingForInput, StateCompleted, StateFailed, StateCancelled}, // 支持重新规划
	StateWaitingForInput: {StateExecuting, StateFailed, StateCancelled},
	StateCompleted:       {},
	StateFailed:          {},
	StateCancelled:       {},
}

// CanTransition 检查状态转换是否合法
func CanTransition(from, to State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions 返回 from 的合法目标状态
func AllowedTransitions(from State) []State {
	return append([]State(nil), validTransitions[from]...)
}

// AllStates 返回全部状态
func AllStates() []State {
	return []State{
		StateIdle, StatePlanning, StateExecuting, StateWaitingForInput,
		StateCompleted, StateFailed, StateCancelled,
	}
}

// IsTerminal 终态不再接受任何转换
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// IsValid 是否为已知状态
func (s State) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Transition 一次已生效的状态转换
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// AgentState Agent 状态快照
type AgentState struct {
	Status       State        `json:"status"`
	CheckpointID string       `json:"checkpoint_id,omitempty"`
	Error        string       `json:"error,omitempty"`
	History      []Transition `json:"history"`
	Archived     bool         `json:"archived"`
}
