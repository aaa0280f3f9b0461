package recovery

import (
	"context"
	"fmt"
)

// ExecuteTyped 是 Execute 的泛型版本。
// skip 动作返回 T 的零值；降级函数返回的类型与 T 不符时报错。
func ExecuteTyped[T any](ctx context.Context, p *Policy, operation string, fn func(ctx context.Context) (T, error), opts ...ExecuteOption) (T, error) {
	var zero T
	v, err := p.Execute(ctx, operation, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, opts...)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%s: result type %T does not match %T", operation, v, zero)
	}
	return typed, nil
}
