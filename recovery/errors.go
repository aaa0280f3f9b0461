package recovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentcore/recovery/circuitbreaker"
	"github.com/BaSui01/agentcore/types"
)

// 策略错误哨兵，配合 errors.Is 使用
var (
	ErrTimeout           = errors.New("operation timed out")
	ErrCircuitOpen       = circuitbreaker.ErrCircuitOpen
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrTotalTimeout      = errors.New("total timeout exceeded")
	ErrAborted           = errors.New("aborted by error handler")
	ErrEscalated         = errors.New("escalated by error handler")
	ErrCheckpointRestore = errors.New("checkpoint restore requested")
	ErrNoFallback        = errors.New("fallback requested but none configured")
)

// TimeoutError 单次操作超时（分类为 timeout）
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Code 返回结构化错误码
func (e *TimeoutError) Code() types.ErrorCode { return types.ErrTimeout }

// ExhaustedError 重试次数耗尽
type ExhaustedError struct {
	Operation string
	Attempts  int
	Category  ErrorCategory
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

func (e *ExhaustedError) Code() types.ErrorCode { return types.ErrRetriesExhausted }

// TotalTimeoutError 总时间预算耗尽。Err 为最后一次失败，可能为 nil。
type TotalTimeoutError struct {
	Operation string
	Budget    time.Duration
	Elapsed   time.Duration
	Err       error
}

func (e *TotalTimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s exceeded total timeout %v (elapsed %v): %v", e.Operation, e.Budget, e.Elapsed, e.Err)
	}
	return fmt.Sprintf("%s exceeded total timeout %v (elapsed %v)", e.Operation, e.Budget, e.Elapsed)
}

func (e *TotalTimeoutError) Unwrap() error { return e.Err }

func (e *TotalTimeoutError) Is(target error) bool { return target == ErrTotalTimeout }

func (e *TotalTimeoutError) Code() types.ErrorCode { return types.ErrTotalTimeout }

// AbortError 由 OnError 处理器中止
type AbortError struct {
	Operation string
	Reason    string
	Err       error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("%s aborted: %s: %v", e.Operation, e.Reason, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

func (e *AbortError) Is(target error) bool { return target == ErrAborted }

func (e *AbortError) Code() types.ErrorCode { return types.ErrAbortedByHandler }

// EscalationError 由 OnError 处理器升级到 Target
type EscalationError struct {
	Operation string
	Target    string
	Reason    string
	Err       error
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("%s escalated to %s: %v", e.Operation, e.Target, e.Err)
}

func (e *EscalationError) Unwrap() error { return e.Err }

func (e *EscalationError) Is(target error) bool { return target == ErrEscalated }

func (e *EscalationError) Code() types.ErrorCode { return types.ErrEscalated }

// CheckpointRestoreError 请求持有状态机的调用方从检查点恢复。
// 策略本身不访问存储；CheckpointID 为空表示使用最近的检查点。
type CheckpointRestoreError struct {
	Operation    string
	CheckpointID string
	Err          error
}

func (e *CheckpointRestoreError) Error() string {
	return fmt.Sprintf("%s requested checkpoint restore: %v", e.Operation, e.Err)
}

func (e *CheckpointRestoreError) Unwrap() error { return e.Err }

func (e *CheckpointRestoreError) Is(target error) bool { return target == ErrCheckpointRestore }

func (e *CheckpointRestoreError) Code() types.ErrorCode { return types.ErrCheckpointRestore }

// ErrorCode 提取策略错误或结构化错误的错误码
func ErrorCode(err error) types.ErrorCode {
	var coded interface{ Code() types.ErrorCode }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	if errors.Is(err, ErrCircuitOpen) {
		return types.ErrCircuitOpen
	}
	return types.GetErrorCode(err)
}
