// Package resilience gates calls to remote dependencies behind a circuit
// breaker, a bulkhead and a rate limiter, retries them with jittered
// exponential backoff and periodically re-tunes admission limits from process
// load and rejection pressure.
package resilience

import (
	"fmt"
	"time"
)

// Dependency names a governed remote collaborator.
type Dependency string

const (
	// ASR is speech recognition.
	ASR Dependency = "asr"
	// TTS is speech synthesis.
	TTS Dependency = "tts"
	// LLM is plan generation.
	LLM Dependency = "llm"
)

// AllDependencies returns the governed dependencies in a stable order.
func AllDependencies() []Dependency {
	return []Dependency{ASR, TTS, LLM}
}

// BreakerConfig configures a failure-rate circuit breaker.
type BreakerConfig struct {
	// FailureRateThreshold in [0,1]; the breaker opens at or above it.
	FailureRateThreshold float64
	// WindowSize is the number of most recent calls considered.
	WindowSize int
	// MinimumCalls must be recorded before the rate is evaluated.
	MinimumCalls int
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenCalls is the trial quota while half-open.
	HalfOpenCalls int
}

// RetryConfig configures exponential backoff for one dependency.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

// UnitConfig configures admission for one dependency.
type UnitConfig struct {
	Breaker         BreakerConfig
	BulkheadLimit   int
	BulkheadMaxWait time.Duration
	LimitPerPeriod  int
	RefreshPeriod   time.Duration
	LimiterTimeout  time.Duration
	Retry           RetryConfig
}

// Config holds every unit plus the shared ceiling that bounds tuning.
type Config struct {
	Units   map[Dependency]UnitConfig
	Ceiling int
}

func defaultBreaker() BreakerConfig {
	return BreakerConfig{
		FailureRateThreshold: 0.5,
		WindowSize:           30,
		MinimumCalls:         10,
		OpenTimeout:          10 * time.Second,
		HalfOpenCalls:        5,
	}
}

// DefaultConfig returns production defaults: latency-heavy speech calls get
// smaller bulkheads and quotas than plan generation.
func DefaultConfig() Config {
	return Config{
		Ceiling: 100,
		Units: map[Dependency]UnitConfig{
			ASR: {
				Breaker:         defaultBreaker(),
				BulkheadLimit:   10,
				BulkheadMaxWait: 100 * time.Millisecond,
				LimitPerPeriod:  20,
				RefreshPeriod:   time.Second,
				LimiterTimeout:  200 * time.Millisecond,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 2 * time.Second,
					MaxInterval:     10 * time.Second,
					Multiplier:      2,
					Jitter:          0.5,
				},
			},
			TTS: {
				Breaker:         defaultBreaker(),
				BulkheadLimit:   10,
				BulkheadMaxWait: 100 * time.Millisecond,
				LimitPerPeriod:  20,
				RefreshPeriod:   time.Second,
				LimiterTimeout:  200 * time.Millisecond,
				Retry: RetryConfig{
					MaxAttempts:     5,
					InitialInterval: time.Second,
					MaxInterval:     10 * time.Second,
					Multiplier:      2,
					Jitter:          0.5,
				},
			},
			LLM: {
				Breaker:         defaultBreaker(),
				BulkheadLimit:   50,
				BulkheadMaxWait: 200 * time.Millisecond,
				LimitPerPeriod:  50,
				RefreshPeriod:   time.Second,
				LimiterTimeout:  200 * time.Millisecond,
				Retry: RetryConfig{
					MaxAttempts:     5,
					InitialInterval: 3 * time.Second,
					MaxInterval:     10 * time.Second,
					Multiplier:      2,
					Jitter:          0.5,
				},
			},
		},
	}
}

// Validate checks config for errors.
func (c Config) Validate() error {
	if c.Ceiling < 1 {
		return fmt.Errorf("ceiling must be >= 1, got %d", c.Ceiling)
	}
	if len(c.Units) == 0 {
		return fmt.Errorf("at least one dependency must be configured")
	}
	for dep, u := range c.Units {
		if err := u.validate(); err != nil {
			return fmt.Errorf("%s: %w", dep, err)
		}
	}
	return nil
}

func (u UnitConfig) validate() error {
	b := u.Breaker
	if b.FailureRateThreshold <= 0 || b.FailureRateThreshold > 1 {
		return fmt.Errorf("breaker failure rate threshold must be in (0,1], got %v", b.FailureRateThreshold)
	}
	if b.WindowSize < 1 {
		return fmt.Errorf("breaker window size must be >= 1")
	}
	if b.MinimumCalls < 1 || b.MinimumCalls > b.WindowSize {
		return fmt.Errorf("breaker minimum calls must be in [1, window size]")
	}
	if b.HalfOpenCalls < 1 {
		return fmt.Errorf("breaker half-open calls must be >= 1")
	}
	if b.OpenTimeout <= 0 {
		return fmt.Errorf("breaker open timeout must be > 0")
	}
	if u.BulkheadLimit < 1 {
		return fmt.Errorf("bulkhead limit must be >= 1")
	}
	if u.LimitPerPeriod < 1 {
		return fmt.Errorf("limit per period must be >= 1")
	}
	if u.RefreshPeriod <= 0 {
		return fmt.Errorf("refresh period must be > 0")
	}
	if u.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1")
	}
	if u.Retry.Jitter < 0 || u.Retry.Jitter > 1 {
		return fmt.Errorf("retry jitter must be in [0,1]")
	}
	return nil
}
