package recovery

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy 退避策略
type Strategy string

const (
	StrategyNone        Strategy = "none"
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyFibonacci   Strategy = "fibonacci"
	StrategyCustom      Strategy = "custom"
)

// BackoffConfig 退避配置
type BackoffConfig struct {
	Strategy Strategy `json:"strategy" yaml:"strategy"`
	// BaseDelay 基础延迟
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
	// MaxDelay 延迟上限，<= 0 表示不设上限
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
	// JitterFactor 对称抖动比例，0 表示结果完全可复现
	JitterFactor float64 `json:"jitter_factor" yaml:"jitter_factor"`
	// Custom 自定义策略（Strategy 为 custom 时使用）
	Custom func(attempt int, base time.Duration) time.Duration `json:"-" yaml:"-"`
	// Rand 返回 [0,1) 的随机数，nil 时使用 math/rand/v2
	Rand func() float64 `json:"-" yaml:"-"`
}

// DefaultBackoffConfig 返回默认退避配置：指数退避 1s 起步，上限 30s，±25% 抖动
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Strategy:     StrategyExponential,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// Delay 计算第 attempt 次重试（从 1 开始）前的等待时间。
// 结果恒在 [0, MaxDelay] 内；JitterFactor 为 0 时为纯函数。
func Delay(attempt int, cfg BackoffConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(cfg.BaseDelay)
	if base < 0 {
		base = 0
	}

	var delay float64
	switch cfg.Strategy {
	case StrategyNone:
		return 0
	case StrategyFixed:
		delay = base
	case StrategyLinear:
		delay = base * float64(attempt)
	case StrategyExponential, "":
		delay = base * math.Pow(2, float64(attempt-1))
	case StrategyFibonacci:
		delay = base * fibonacci(attempt)
	case StrategyCustom:
		if cfg.Custom == nil {
			delay = base
		} else {
			delay = float64(cfg.Custom(attempt, cfg.BaseDelay))
		}
	default:
		delay = base
	}

	if cfg.JitterFactor > 0 && delay > 0 && !math.IsInf(delay, 1) {
		r := rand.Float64
		if cfg.Rand != nil {
			r = cfg.Rand
		}
		// delay ± delay·jitter·U(-1,1)
		delay += delay * cfg.JitterFactor * (r()*2 - 1)
	}

	return clamp(delay, cfg.MaxDelay)
}

// clamp 限制到 [0, max]，同时防止 float64 → Duration 溢出
func clamp(delay float64, max time.Duration) time.Duration {
	if math.IsNaN(delay) || delay < 0 {
		return 0
	}
	if max > 0 && delay > float64(max) {
		return max
	}
	if delay >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// fibonacci 返回 fib(n)，fib(1)=fib(2)=1
func fibonacci(n int) float64 {
	a, b := 0.0, 1.0
	for i := 0; i < n; i++ {
		a, b = b, a+b
		if math.IsInf(a, 1) {
			return a
		}
	}
	return a
}
