package recovery

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestDelay_Strategies(t *testing.T) {
	base := 100 * time.Millisecond

	tests := []struct {
		name     string
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{"none", StrategyNone, 3, 0},
		{"fixed", StrategyFixed, 4, 100 * time.Millisecond},
		{"linear", StrategyLinear, 3, 300 * time.Millisecond},
		{"exponential first", StrategyExponential, 1, 100 * time.Millisecond},
		{"exponential", StrategyExponential, 4, 800 * time.Millisecond},
		{"empty means exponential", "", 3, 400 * time.Millisecond},
		{"fibonacci 1", StrategyFibonacci, 1, 100 * time.Millisecond},
		{"fibonacci 2", StrategyFibonacci, 2, 100 * time.Millisecond},
		{"fibonacci 6", StrategyFibonacci, 6, 800 * time.Millisecond},
		{"attempt below one", StrategyLinear, 0, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := BackoffConfig{Strategy: tt.strategy, BaseDelay: base, MaxDelay: time.Minute}
			assert.Equal(t, tt.want, Delay(tt.attempt, cfg))
		})
	}
}

func TestDelay_Custom(t *testing.T) {
	cfg := BackoffConfig{
		Strategy:  StrategyCustom,
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  time.Second,
		Custom: func(attempt int, base time.Duration) time.Duration {
			return base * time.Duration(attempt*attempt)
		},
	}
	assert.Equal(t, 90*time.Millisecond, Delay(3, cfg))

	// 自定义函数缺失时退化为固定延迟
	cfg.Custom = nil
	assert.Equal(t, 10*time.Millisecond, Delay(3, cfg))
}

func TestDelay_CappedAtMax(t *testing.T) {
	cfg := BackoffConfig{Strategy: StrategyExponential, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, Delay(10, cfg))
	assert.Equal(t, 5*time.Second, Delay(10000, cfg))
}

func TestDelay_UnboundedDoesNotOverflow(t *testing.T) {
	cfg := BackoffConfig{Strategy: StrategyExponential, BaseDelay: time.Second}
	d := Delay(2000, cfg)
	assert.Greater(t, d, time.Duration(0))
}

func TestDelay_JitterUsesInjectedRand(t *testing.T) {
	cfg := BackoffConfig{
		Strategy:     StrategyFixed,
		BaseDelay:    time.Second,
		MaxDelay:     time.Minute,
		JitterFactor: 0.5,
	}

	cfg.Rand = func() float64 { return 0 } // U = -1
	assert.Equal(t, 500*time.Millisecond, Delay(1, cfg))

	cfg.Rand = func() float64 { return 0.5 } // U = 0
	assert.Equal(t, time.Second, Delay(1, cfg))

	cfg.Rand = func() float64 { return 0.75 } // U = 0.5
	assert.Equal(t, 1250*time.Millisecond, Delay(1, cfg))
}

func TestDelay_JitterNeverExceedsCap(t *testing.T) {
	cfg := BackoffConfig{
		Strategy:     StrategyFixed,
		BaseDelay:    time.Second,
		MaxDelay:     time.Second,
		JitterFactor: 1,
		Rand:         func() float64 { return 0.999 },
	}
	assert.Equal(t, time.Second, Delay(1, cfg))
}

// Delay 在 jitter 为 0 时确定且单调，并且永不超过上限
func TestProperty_DelayDeterministicMonotonicCapped(t *testing.T) {
	strategies := []Strategy{StrategyFixed, StrategyLinear, StrategyExponential, StrategyFibonacci}

	rapid.Check(t, func(rt *rapid.T) {
		strategy := rapid.SampledFrom(strategies).Draw(rt, "strategy")
		base := time.Duration(rapid.Int64Range(0, int64(2*time.Second)).Draw(rt, "base"))
		maxDelay := time.Duration(rapid.Int64Range(1, int64(time.Minute)).Draw(rt, "max"))
		attempt := rapid.IntRange(1, 80).Draw(rt, "attempt")

		cfg := BackoffConfig{Strategy: strategy, BaseDelay: base, MaxDelay: maxDelay}

		d1 := Delay(attempt, cfg)
		d2 := Delay(attempt, cfg)
		next := Delay(attempt+1, cfg)

		if d1 != d2 {
			rt.Fatalf("non-deterministic delay: %v != %v", d1, d2)
		}
		if d1 > maxDelay || next > maxDelay {
			rt.Fatalf("delay exceeds cap: %v / %v > %v", d1, next, maxDelay)
		}
		if next < d1 {
			rt.Fatalf("delay decreased: attempt %d=%v attempt %d=%v", attempt, d1, attempt+1, next)
		}
	})
}

// 抖动后的延迟落在 [delay·(1-j), delay·(1+j)] 且不超过上限
func TestProperty_JitterBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("jittered delay stays within symmetric bounds", prop.ForAll(
		func(attempt int, jitter float64, u float64) bool {
			cfg := BackoffConfig{
				Strategy:     StrategyLinear,
				BaseDelay:    10 * time.Millisecond,
				MaxDelay:     time.Hour,
				JitterFactor: jitter,
				Rand:         func() float64 { return u },
			}
			plain := Delay(attempt, BackoffConfig{Strategy: StrategyLinear, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Hour})
			got := Delay(attempt, cfg)

			low := float64(plain) * (1 - jitter)
			high := float64(plain) * (1 + jitter)
			return float64(got) >= low-1 && float64(got) <= high+1
		},
		gen.IntRange(1, 50),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 0.999),
	))

	properties.TestingRun(t)
}
