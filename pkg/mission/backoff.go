package mission

import (
	"math/rand"
	"time"
)

// BackoffConfig shapes the retry delay between failed mission attempts.
type BackoffConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		BaseDelay: 1 * time.Second,
		MaxDelay:  60 * time.Second,
	}
}

// NextDelay computes the delay before the given 1-based attempt using
// exponential backoff with full jitter: random in [0, base*2^(attempt-1)],
// capped at MaxDelay.
func NextDelay(attempt int, cfg BackoffConfig, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 1 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}

	delay := cfg.BaseDelay << (attempt - 1)
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(rng.Int63n(int64(delay) + 1))
}
