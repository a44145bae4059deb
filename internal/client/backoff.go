package client

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig bounds how often stream establishment is retried.
type RetryConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	// MaxAttempts counts the first attempt. Zero or one disables retry.
	MaxAttempts int  `mapstructure:"max_attempts" yaml:"max_attempts"`
	Jitter      bool `mapstructure:"jitter" yaml:"jitter"`
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// NextBackoffDelay returns the delay before attempt N (1-based). With jitter
// the delay is scaled by a factor in [0.5, 1.5).
func NextBackoffDelay(cfg RetryConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}
