package resilience

import (
	"time"
)

// Settings is the flat form of the retry and breaker knobs as they appear
// in configuration files. Zero fields keep the defaults; a negative
// Jitter keeps the default jitter while zero disables it.
type Settings struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	Multiplier       float64
	Jitter           float64
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
}

// Retry returns the transient-failure retry policy.
func (s Settings) Retry() RetryConfig {
	cfg := DefaultRetryConfig()
	setPositive(&cfg.MaxAttempts, s.MaxAttempts)
	setPositive(&cfg.InitialBackoff, s.InitialBackoff)
	setPositive(&cfg.MaxBackoff, s.MaxBackoff)
	setPositive(&cfg.Multiplier, s.Multiplier)
	if s.Jitter >= 0 {
		cfg.JitterFraction = s.Jitter
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return cfg
}

// Breaker returns the per-tier circuit breaker policy.
func (s Settings) Breaker() CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	setPositive(&cfg.FailureThreshold, s.FailureThreshold)
	setPositive(&cfg.SuccessThreshold, s.SuccessThreshold)
	setPositive(&cfg.RecoveryTimeout, s.RecoveryTimeout)
	return cfg
}

func setPositive[T int | float64 | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}
