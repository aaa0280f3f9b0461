package agent

import (
	"errors"
	"fmt"

	"github.com/BaSui01/agentcore/types"
)

var (
	// ErrInvalidTransition 非法状态转换
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrCheckpointNotFound 检查点不存在
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrNoCheckpointStorage 进入检查点状态但未配置存储
	ErrNoCheckpointStorage = errors.New("checkpoint storage not configured")

	// ErrNotTerminal 非终态不能归档
	ErrNotTerminal = errors.New("state is not terminal")

	// ErrAlreadyArchived 已归档
	ErrAlreadyArchived = errors.New("state machine already archived")

	// ErrInputRequired 步骤需要外部输入才能继续
	ErrInputRequired = errors.New("input required")

	// ErrToolNotFound 工具未注册
	ErrToolNotFound = errors.New("tool not found")

	// ErrNotWaitingForInput 当前不在等待输入
	ErrNotWaitingForInput = errors.New("session is not waiting for input")

	// ErrNoExecutor 步骤既没有工具也没有可用的 Agent
	ErrNoExecutor = errors.New("no executor for step")
)

// TransitionError 非法状态转换错误，携带尝试的边
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	if e.From.IsTerminal() {
		return fmt.Sprintf("invalid state transition: %s -> %s (%s is terminal)", e.From, e.To, e.From)
	}
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Code 返回结构化错误码
func (e *TransitionError) Code() types.ErrorCode { return types.ErrInvalidTransition }

// InputRequiredError 请求外部输入，Prompt 为展示给调用方的提示
type InputRequiredError struct {
	StepID string
	Prompt string
}

func (e *InputRequiredError) Error() string {
	if e.StepID == "" {
		return fmt.Sprintf("%s: %s", ErrInputRequired, e.Prompt)
	}
	return fmt.Sprintf("%s for step %q: %s", ErrInputRequired, e.StepID, e.Prompt)
}

func (e *InputRequiredError) Is(target error) bool { return target == ErrInputRequired }

// RequestInput 由工具或 Agent 返回，表示需要用户输入
func RequestInput(prompt string) error {
	return &InputRequiredError{Prompt: prompt}
}
