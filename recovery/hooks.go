package recovery

import (
	"context"
	"time"
)

// ActionKind OnError 处理器返回的动作
type ActionKind string

const (
	// ActionNone 不干预，按策略继续
	ActionNone ActionKind = ""
	// ActionRetry 立即重试（不等待退避）
	ActionRetry ActionKind = "retry"
	// ActionRetryWithBackoff 等待退避后重试
	ActionRetryWithBackoff ActionKind = "retry_with_backoff"
	// ActionSkip 放弃并返回空结果
	ActionSkip ActionKind = "skip"
	// ActionFallback 调用降级函数并返回其结果
	ActionFallback ActionKind = "fallback"
	// ActionAbort 以自定义原因失败
	ActionAbort ActionKind = "abort"
	// ActionEscalate 失败并标记升级目标
	ActionEscalate ActionKind = "escalate"
	// ActionCheckpointRestore 失败并通知调用方的状态机从检查点恢复
	ActionCheckpointRestore ActionKind = "checkpoint_restore"
)

// FallbackFunc 降级函数
type FallbackFunc func(ctx context.Context, rc RecoveryContext) (any, error)

// Action OnError 的决策
type Action struct {
	Kind         ActionKind
	Reason       string       // abort / escalate 的原因
	Target       string       // escalate 的目标
	CheckpointID string       // checkpoint_restore 指定的检查点，空表示最近一次
	Fallback     FallbackFunc // fallback 覆盖 ExecuteOption 中的降级函数
}

// RecoveryContext 单次失败的上下文。每次 Execute 重新创建，传给回调时为值拷贝。
type RecoveryContext struct {
	Operation  string
	Err        error
	Category   ErrorCategory
	Retryable  bool
	Attempt    int
	MaxRetries int
	Elapsed    time.Duration
	History    []error
}

// Hooks 恢复回调。
//
// 调用顺序（单次 Execute 内）：
//
//	失败: OnError（每次失败恰好一次）→ [OnExhausted（最多一次）| BeforeRetry → 等待 → AfterRetry]
//	成功: OnRecovered（仅当不是第一次尝试，最多一次）
//
// 熔断拒绝与总超时不经过 OnError，它们不是操作本身的失败。
type Hooks interface {
	OnError(ctx context.Context, rc RecoveryContext) Action
	BeforeRetry(ctx context.Context, rc RecoveryContext, delay time.Duration)
	AfterRetry(ctx context.Context, rc RecoveryContext)
	OnExhausted(ctx context.Context, rc RecoveryContext)
	OnRecovered(ctx context.Context, rc RecoveryContext)
}

// HookFuncs 以函数字段实现 Hooks，未设置的字段为空操作
type HookFuncs struct {
	OnErrorFunc     func(ctx context.Context, rc RecoveryContext) Action
	BeforeRetryFunc func(ctx context.Context, rc RecoveryContext, delay time.Duration)
	AfterRetryFunc  func(ctx context.Context, rc RecoveryContext)
	OnExhaustedFunc func(ctx context.Context, rc RecoveryContext)
	OnRecoveredFunc func(ctx context.Context, rc RecoveryContext)
}

var _ Hooks = HookFuncs{}

func (h HookFuncs) OnError(ctx context.Context, rc RecoveryContext) Action {
	if h.OnErrorFunc == nil {
		return Action{}
	}
	return h.OnErrorFunc(ctx, rc)
}

func (h HookFuncs) BeforeRetry(ctx context.Context, rc RecoveryContext, delay time.Duration) {
	if h.BeforeRetryFunc != nil {
		h.BeforeRetryFunc(ctx, rc, delay)
	}
}

func (h HookFuncs) AfterRetry(ctx context.Context, rc RecoveryContext) {
	if h.AfterRetryFunc != nil {
		h.AfterRetryFunc(ctx, rc)
	}
}

func (h HookFuncs) OnExhausted(ctx context.Context, rc RecoveryContext) {
	if h.OnExhaustedFunc != nil {
		h.OnExhaustedFunc(ctx, rc)
	}
}

func (h HookFuncs) OnRecovered(ctx context.Context, rc RecoveryContext) {
	if h.OnRecoveredFunc != nil {
		h.OnRecoveredFunc(ctx, rc)
	}
}
