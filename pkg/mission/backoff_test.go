package mission

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelayWithinExponentialEnvelope(t *testing.T) {
	cfg := BackoffConfig{BaseDelay: time.Second, MaxDelay: time.Minute}
	rng := rand.New(rand.NewSource(1))

	for attempt := 1; attempt <= 10; attempt++ {
		ceiling := cfg.BaseDelay << (attempt - 1)
		if ceiling > cfg.MaxDelay || ceiling <= 0 {
			ceiling = cfg.MaxDelay
		}
		for i := 0; i < 50; i++ {
			d := NextDelay(attempt, cfg, rng)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, ceiling, "attempt %d", attempt)
		}
	}
}

func TestNextDelayCapsAtMax(t *testing.T) {
	cfg := BackoffConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	rng := rand.New(rand.NewSource(1))

	// Far past the cap, and far enough for the shift to overflow.
	for _, attempt := range []int{10, 40, 100} {
		d := NextDelay(attempt, cfg, rng)
		assert.LessOrEqual(t, d, cfg.MaxDelay)
	}
}

func TestNextDelayDefaults(t *testing.T) {
	// Zero config and nil rng still produce a sane delay.
	d := NextDelay(0, BackoffConfig{}, nil)
	assert.GreaterOrEqual(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, time.Second)
}
