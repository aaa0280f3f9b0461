package recovery

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcore/internal/metrics"
	"github.com/BaSui01/agentcore/recovery/circuitbreaker"
)

const tracerName = "github.com/BaSui01/agentcore/recovery"

// Operation 被策略包裹的可失败操作
type Operation func(ctx context.Context) (any, error)

// Config 恢复策略配置
type Config struct {
	// MaxRetries 首次尝试之后的最大重试次数，总尝试次数为 MaxRetries+1
	MaxRetries int
	Backoff    BackoffConfig
	// TotalTimeout 整次 Execute 的时间预算，0 表示不限
	TotalTimeout time.Duration
	// AttemptTimeout 单次尝试超时，0 表示不限
	AttemptTimeout time.Duration

	// 可重试性规则，按 NonRetryableErrors → NonRetryablePatterns →
	// RetryableErrors → RetryablePatterns → RetryableCategories 的顺序判定
	NonRetryableErrors   []error
	NonRetryablePatterns []*regexp.Regexp
	RetryableErrors      []error
	RetryablePatterns    []*regexp.Regexp
	RetryableCategories  []ErrorCategory

	// Classifier 自定义分类器，为 nil 或返回空时使用默认规则
	Classifier Classifier
	// CircuitBreaker 非 nil 时为该策略创建独占的熔断器
	CircuitBreaker *circuitbreaker.Config
	Hooks          Hooks
}

// DefaultConfig 返回默认恢复配置
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		Backoff:             DefaultBackoffConfig(),
		RetryableCategories: DefaultRetryableCategories(),
	}
}

// Policy 恢复策略：分类、重试、退避、熔断与回调。
// 一个 Policy 可被并发调用，每次 Execute 拥有独立的 RecoveryContext。
type Policy struct {
	name      string
	config    Config
	retryable map[ErrorCategory]bool
	breaker   *circuitbreaker.Breaker
	collector *metrics.Collector
	tracer    trace.Tracer
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	logger    *zap.Logger
}

// PolicyOption 策略选项
type PolicyOption func(*Policy)

// WithMetrics 设置指标收集器
func WithMetrics(c *metrics.Collector) PolicyOption {
	return func(p *Policy) { p.collector = c }
}

// WithBreaker 使用外部构造的熔断器，忽略 Config.CircuitBreaker
func WithBreaker(b *circuitbreaker.Breaker) PolicyOption {
	return func(p *Policy) { p.breaker = b }
}

// WithTracer 设置 tracer
func WithTracer(t trace.Tracer) PolicyOption {
	return func(p *Policy) { p.tracer = t }
}

// WithSleeper 替换退避等待函数（测试用）
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) PolicyOption {
	return func(p *Policy) { p.sleep = sleep }
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) PolicyOption {
	return func(p *Policy) { p.now = now }
}

// NewPolicy 创建恢复策略
func NewPolicy(name string, config Config, logger *zap.Logger, opts ...PolicyOption) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryableCategories == nil {
		config.RetryableCategories = DefaultRetryableCategories()
	}

	p := &Policy{
		name:      name,
		config:    config,
		retryable: make(map[ErrorCategory]bool, len(config.RetryableCategories)),
		sleep:     sleepContext,
		now:       time.Now,
		logger:    logger.With(zap.String("component", "recovery"), zap.String("policy", name)),
	}
	for _, cat := range config.RetryableCategories {
		p.retryable[cat] = true
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}

	if p.breaker == nil && config.CircuitBreaker != nil {
		cbCfg := *config.CircuitBreaker
		userHook := cbCfg.OnStateChange
		collector := p.collector
		cbCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
			collector.SetCircuitState(name, int(to))
			if userHook != nil {
				userHook(name, from, to)
			}
		}
		p.breaker = circuitbreaker.New(name, &cbCfg, logger)
	}

	return p
}

// Name 返回策略名称
func (p *Policy) Name() string { return p.name }

// Breaker 返回策略持有的熔断器，可能为 nil
func (p *Policy) Breaker() *circuitbreaker.Breaker { return p.breaker }

// BreakerState 返回熔断器状态，未配置熔断器时恒为 closed
func (p *Policy) BreakerState() circuitbreaker.State {
	if p.breaker == nil {
		return circuitbreaker.StateClosed
	}
	return p.breaker.State()
}

// =============================================================================
// Execute 选项
// =============================================================================

type executeOptions struct {
	hooks          Hooks
	fallback       FallbackFunc
	attemptTimeout time.Duration
	maxRetries     int
	nonRetryable   []error
}

// ExecuteOption 单次 Execute 的选项
type ExecuteOption func(*executeOptions)

// WithHooks 覆盖策略级回调
func WithHooks(h Hooks) ExecuteOption {
	return func(o *executeOptions) { o.hooks = h }
}

// WithFallback 设置降级函数，在 OnError 返回 fallback 且动作自身未携带函数时使用
func WithFallback(fn FallbackFunc) ExecuteOption {
	return func(o *executeOptions) { o.fallback = fn }
}

// WithAttemptTimeout 覆盖单次尝试超时
func WithAttemptTimeout(d time.Duration) ExecuteOption {
	return func(o *executeOptions) { o.attemptTimeout = d }
}

// WithMaxRetries 覆盖最大重试次数
func WithMaxRetries(n int) ExecuteOption {
	return func(o *executeOptions) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithNonRetryable 追加本次调用的不可重试错误，优先于策略级规则
func WithNonRetryable(errs ...error) ExecuteOption {
	return func(o *executeOptions) { o.nonRetryable = append(o.nonRetryable, errs...) }
}

// =============================================================================
// 执行
// =============================================================================

// Execute 在策略下执行 fn。
//
// 每次尝试前依次检查总时间预算、ctx 与熔断器；失败时分类、调用 OnError，
// 再依据动作、剩余次数与可重试性决定终止或退避后重试。
func (p *Policy) Execute(ctx context.Context, operation string, fn Operation, opts ...ExecuteOption) (any, error) {
	o := executeOptions{
		hooks:          p.config.Hooks,
		attemptTimeout: p.config.AttemptTimeout,
		maxRetries:     p.config.MaxRetries,
	}
	for _, opt := range opts {
		opt(&o)
	}
	hooks := o.hooks
	if hooks == nil {
		hooks = HookFuncs{}
	}

	ctx, span := p.tracer.Start(ctx, "recovery.execute", trace.WithAttributes(
		attribute.String("recovery.policy", p.name),
		attribute.String("recovery.operation", operation),
		attribute.Int("recovery.max_retries", o.maxRetries),
	))
	defer span.End()

	start := p.now()
	budget := p.config.TotalTimeout
	var (
		history []error
		lastErr error
	)

	finish := func(outcome string, attempts int, err error) error {
		p.collector.RecordRecoveryOutcome(p.name, outcome, p.now().Sub(start))
		span.SetAttributes(
			attribute.String("recovery.outcome", outcome),
			attribute.Int("recovery.attempts", attempts),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		return err
	}

	for attempt := 1; attempt <= o.maxRetries+1; attempt++ {
		elapsed := p.now().Sub(start)
		if budget > 0 && elapsed >= budget {
			p.logger.Warn("total timeout exceeded",
				zap.String("operation", operation),
				zap.Duration("budget", budget),
				zap.Int("attempts", attempt-1))
			return nil, finish("total_timeout", attempt-1, &TotalTimeoutError{
				Operation: operation,
				Budget:    budget,
				Elapsed:   elapsed,
				Err:       lastErr,
			})
		}
		if err := ctx.Err(); err != nil {
			return nil, finish("cancelled", attempt-1, fmt.Errorf("%s: %w", operation, err))
		}
		if p.breaker != nil {
			if err := p.breaker.Allow(); err != nil {
				p.collector.RecordRecoveryAttempt(p.name, "circuit_open")
				return nil, finish("circuit_open", attempt-1, fmt.Errorf("%s: %w", operation, err))
			}
		}

		timeout := o.attemptTimeout
		if budget > 0 {
			if remaining := budget - elapsed; timeout <= 0 || remaining < timeout {
				timeout = remaining
			}
		}

		result, err := RaceTimeout(ctx, operation, timeout, func(ctx context.Context) (any, error) {
			return fn(ctx)
		})
		if err == nil {
			if p.breaker != nil {
				p.breaker.RecordSuccess()
			}
			p.collector.RecordRecoveryAttempt(p.name, "ok")
			if attempt > 1 {
				hooks.OnRecovered(ctx, p.recoveryContext(operation, lastErr, "", false, attempt, o.maxRetries, start, history))
				p.logger.Info("operation recovered",
					zap.String("operation", operation),
					zap.Int("attempt", attempt))
				return result, finish("recovered", attempt, nil)
			}
			return result, finish("success", attempt, nil)
		}

		category := p.classify(err)
		retryable := !matchesAny(err, o.nonRetryable) && p.isRetryable(err, category)
		if p.breaker != nil {
			if category == CategoryCancelled {
				p.breaker.Release()
			} else {
				p.breaker.RecordFailure()
			}
		}
		p.collector.RecordRecoveryAttempt(p.name, string(category))
		history = append(history, err)
		lastErr = err

		rc := p.recoveryContext(operation, err, category, retryable, attempt, o.maxRetries, start, history)
		action := hooks.OnError(ctx, rc)

		switch action.Kind {
		case ActionSkip:
			p.logger.Debug("failure skipped by handler", zap.String("operation", operation), zap.Error(err))
			return nil, finish("skipped", attempt, nil)
		case ActionFallback:
			fallback := action.Fallback
			if fallback == nil {
				fallback = o.fallback
			}
			if fallback == nil {
				return nil, finish("fallback", attempt, fmt.Errorf("%s: %w: %w", operation, ErrNoFallback, err))
			}
			v, ferr := fallback(ctx, rc)
			if ferr != nil {
				return nil, finish("fallback", attempt, fmt.Errorf("%s: fallback failed: %w", operation, ferr))
			}
			return v, finish("fallback", attempt, nil)
		case ActionAbort:
			return nil, finish("aborted", attempt, &AbortError{Operation: operation, Reason: action.Reason, Err: err})
		case ActionEscalate:
			return nil, finish("escalated", attempt, &EscalationError{
				Operation: operation,
				Target:    action.Target,
				Reason:    action.Reason,
				Err:       err,
			})
		case ActionCheckpointRestore:
			return nil, finish("checkpoint_restore", attempt, &CheckpointRestoreError{
				Operation:    operation,
				CheckpointID: action.CheckpointID,
				Err:          err,
			})
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, finish("cancelled", attempt, fmt.Errorf("%s: %w", operation, ctxErr))
		}

		if attempt > o.maxRetries {
			hooks.OnExhausted(ctx, rc)
			p.logger.Warn("retries exhausted",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.String("category", string(category)),
				zap.Error(err))
			return nil, finish("exhausted", attempt, &ExhaustedError{
				Operation: operation,
				Attempts:  attempt,
				Category:  category,
				Err:       err,
			})
		}

		if !retryable {
			p.logger.Debug("non-retryable error",
				zap.String("operation", operation),
				zap.String("category", string(category)),
				zap.Error(err))
			return nil, finish("non_retryable", attempt, err)
		}

		var delay time.Duration
		if action.Kind != ActionRetry {
			delay = Delay(attempt, p.config.Backoff)
		}
		if budget > 0 {
			remaining := budget - p.now().Sub(start)
			if remaining < 0 {
				remaining = 0
			}
			if delay > remaining {
				delay = remaining
			}
		}

		p.logger.Debug("retrying operation",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("category", string(category)),
			zap.Error(err))

		hooks.BeforeRetry(ctx, rc, delay)
		if serr := p.sleep(ctx, delay); serr != nil {
			return nil, finish("cancelled", attempt, fmt.Errorf("%s: retry wait interrupted: %w", operation, serr))
		}
		hooks.AfterRetry(ctx, rc)
	}

	// 循环总在最后一次尝试内返回
	return nil, finish("exhausted", o.maxRetries+1, lastErr)
}

func (p *Policy) recoveryContext(operation string, err error, category ErrorCategory, retryable bool,
	attempt, maxRetries int, start time.Time, history []error) RecoveryContext {
	return RecoveryContext{
		Operation:  operation,
		Err:        err,
		Category:   category,
		Retryable:  retryable,
		Attempt:    attempt,
		MaxRetries: maxRetries,
		Elapsed:    p.now().Sub(start),
		History:    append([]error(nil), history...),
	}
}

func (p *Policy) classify(err error) ErrorCategory {
	if errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}
	if p.config.Classifier != nil {
		if cat := p.config.Classifier(err); cat != "" {
			return cat
		}
	}
	if cat := Classify(err); cat != "" {
		return cat
	}
	return CategoryUnknown
}

func (p *Policy) isRetryable(err error, category ErrorCategory) bool {
	if category == CategoryCancelled {
		return false
	}
	for _, target := range p.config.NonRetryableErrors {
		if errors.Is(err, target) {
			return false
		}
	}
	msg := err.Error()
	for _, re := range p.config.NonRetryablePatterns {
		if re.MatchString(msg) {
			return false
		}
	}
	for _, target := range p.config.RetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	for _, re := range p.config.RetryablePatterns {
		if re.MatchString(msg) {
			return true
		}
	}
	return p.retryable[category]
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
