package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RaceTimeout 让 fn 与定时器赛跑。超时后立即返回 *TimeoutError，
// 在途调用不会被强制终止，只是其结果被丢弃；fn 收到的 ctx 会在超时时取消。
func RaceTimeout[T any](ctx context.Context, operation string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		return callSafely(ctx, fn)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := callSafely(attemptCtx, fn)
		done <- outcome{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		// fn 因 attemptCtx 到期而返回时与定时器触发等价
		if res.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return zero, &TimeoutError{Operation: operation, Timeout: timeout}
		}
		return res.value, res.err
	case <-timer.C:
		return zero, &TimeoutError{Operation: operation, Timeout: timeout}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// callSafely 将 panic 转换为错误
func callSafely[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic recovered: %v", r)
		}
	}()
	return fn(ctx)
}
