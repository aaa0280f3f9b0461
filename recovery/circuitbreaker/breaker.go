// Package circuitbreaker 提供带滚动失败窗口的三态熔断器。
//
// 状态只沿 closed → open → half_open → {closed | open} 演进；
// open → half_open 的判断在 Allow 时惰性完成，不依赖后台定时器。
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// 错误定义
var (
	ErrCircuitOpen            = errors.New("circuit breaker is open")
	ErrTooManyCallsInHalfOpen = errors.New("circuit breaker half-open call limit reached")
)

// Config 熔断器配置
type Config struct {
	// FailureThreshold 窗口内连续失败次数阈值（触发熔断）
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// SuccessThreshold 半开状态下连续成功多少次后恢复
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`

	// ResetTimeout 熔断恢复等待时间（从 Open -> HalfOpen）
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout"`

	// FailureWindow 滚动失败窗口，早于窗口的失败在比较前丢弃；0 表示不过期
	FailureWindow time.Duration `json:"failure_window" yaml:"failure_window"`

	// HalfOpenMaxCalls 半开状态下允许的最大探测数，0 表示不限制
	HalfOpenMaxCalls int `json:"half_open_max_calls" yaml:"half_open_max_calls"`

	// OnStateChange 状态变更回调（在锁外同步调用）
	OnStateChange func(name string, from, to State) `json:"-" yaml:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		FailureWindow:    60 * time.Second,
	}
}

// CircuitBreakerState 熔断器状态快照
type CircuitBreakerState struct {
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	SuccessCount  int       `json:"success_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
}

// Option 熔断器选项
type Option func(*Breaker)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

type stateChange struct {
	from, to State
}

// Breaker 熔断器实现。状态只能通过 Allow / RecordFailure / RecordSuccess / Reset 修改。
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      []time.Time // 窗口内连续失败时间戳
	successes     int         // 半开状态下连续成功次数
	halfOpenCalls int
	lastFailureAt time.Time
	openedAt      time.Time
}

// New 创建熔断器
func New(name string, config *Config, logger *zap.Logger, opts ...Option) *Breaker {
	cfg := DefaultConfig()
	if config != nil {
		cfg = config
	}
	normalized := *cfg

	// 参数校验
	if normalized.FailureThreshold <= 0 {
		normalized.FailureThreshold = 5
	}
	if normalized.SuccessThreshold <= 0 {
		normalized.SuccessThreshold = 1
	}
	if normalized.ResetTimeout <= 0 {
		normalized.ResetTimeout = 30 * time.Second
	}
	if normalized.FailureWindow < 0 {
		normalized.FailureWindow = 0
	}
	if normalized.HalfOpenMaxCalls < 0 {
		normalized.HalfOpenMaxCalls = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{
		name:   name,
		config: normalized,
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("breaker", name)),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name 返回熔断器名称
func (b *Breaker) Name() string {
	return b.name
}

// Allow 调用前检查。open 状态下超过 ResetTimeout 时惰性进入 half_open。
func (b *Breaker) Allow() error {
	var changes []stateChange
	defer func() { b.notify(changes) }()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed >= b.config.ResetTimeout {
			changes = append(changes, b.transitionTo(StateHalfOpen, "reset timeout elapsed"))
			b.halfOpenCalls = 1
			return nil
		}
		return fmt.Errorf("%w: %s, retry after %v", ErrCircuitOpen, b.name, b.config.ResetTimeout-elapsed)

	case StateHalfOpen:
		if b.config.HalfOpenMaxCalls > 0 && b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return fmt.Errorf("%w: %s", ErrTooManyCallsInHalfOpen, b.name)
		}
		b.halfOpenCalls++
		return nil

	default:
		return fmt.Errorf("unknown circuit breaker state: %d", b.state)
	}
}

// RecordSuccess 记录成功
func (b *Breaker) RecordSuccess() {
	var changes []stateChange
	defer func() { b.notify(changes) }()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		// 连续失败被打断
		b.failures = b.failures[:0]

	case StateHalfOpen:
		// 探测返回，释放在途名额
		if b.halfOpenCalls > 0 {
			b.halfOpenCalls--
		}
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			changes = append(changes, b.transitionTo(StateClosed,
				fmt.Sprintf("%d consecutive successes in half-open", b.successes)))
			b.failures = b.failures[:0]
			b.successes = 0
			b.halfOpenCalls = 0
		}

	case StateOpen:
		// 熔断前已在途的调用返回
		b.logger.Debug("success recorded while open")
	}
}

// Release 放弃本次调用结果（例如调用方取消），仅释放 half_open 在途名额，不计入成功或失败。
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenCalls > 0 {
		b.halfOpenCalls--
	}
}

// RecordFailure 记录失败
func (b *Breaker) RecordFailure() {
	var changes []stateChange
	defer func() { b.notify(changes) }()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailureAt = now

	switch b.state {
	case StateClosed:
		b.pruneLocked(now)
		b.failures = append(b.failures, now)
		if len(b.failures) >= b.config.FailureThreshold {
			changes = append(changes, b.transitionTo(StateOpen,
				fmt.Sprintf("%d consecutive failures", len(b.failures))))
			b.openedAt = now
			b.successes = 0
		}

	case StateHalfOpen:
		// 半开状态下任何失败都重新熔断
		b.failures = append(b.failures[:0], now)
		b.successes = 0
		b.halfOpenCalls = 0
		b.openedAt = now
		changes = append(changes, b.transitionTo(StateOpen, "failure in half-open state"))

	case StateOpen:
		b.logger.Debug("failure recorded while open")
	}
}

// pruneLocked 丢弃窗口外的失败（必须在锁内调用）
func (b *Breaker) pruneLocked(now time.Time) {
	if b.config.FailureWindow <= 0 || len(b.failures) == 0 {
		return
	}
	cutoff := now.Add(-b.config.FailureWindow)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

// State 获取当前状态（只读，不触发惰性转换）
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot 返回状态快照
func (b *Breaker) Snapshot() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitBreakerState{
		State:         b.state,
		FailureCount:  len(b.failures),
		SuccessCount:  b.successes,
		LastFailureAt: b.lastFailureAt,
		OpenedAt:      b.openedAt,
	}
}

// Reset 重置熔断器（手动恢复）
func (b *Breaker) Reset() {
	var changes []stateChange
	defer func() { b.notify(changes) }()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		changes = append(changes, b.transitionTo(StateClosed, "manual reset"))
	}
	b.failures = b.failures[:0]
	b.successes = 0
	b.halfOpenCalls = 0
	b.openedAt = time.Time{}
}

// transitionTo 状态转换（必须在锁内调用）
func (b *Breaker) transitionTo(newState State, reason string) stateChange {
	oldState := b.state
	b.state = newState

	b.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", len(b.failures)))

	return stateChange{from: oldState, to: newState}
}

func (b *Breaker) notify(changes []stateChange) {
	if b.config.OnStateChange == nil {
		return
	}
	for _, c := range changes {
		b.config.OnStateChange(b.name, c.from, c.to)
	}
}
