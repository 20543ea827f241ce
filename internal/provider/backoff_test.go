package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayIsMonotonicAndCapped(t *testing.T) {
	for _, jitter := range []float64{0, 0.5, 0.999} {
		b := Backoff{Base: time.Second, Max: 20 * time.Second, Jitter: func() float64 { return jitter }}
		prev := time.Duration(0)
		for attempt := 0; attempt < 80; attempt++ {
			d := b.Delay(attempt, 0)
			assert.GreaterOrEqual(t, d, prev, "attempt %d jitter %v", attempt, jitter)
			assert.LessOrEqual(t, d, b.Max, "attempt %d jitter %v", attempt, jitter)
			prev = d
		}
		assert.Equal(t, b.Max, prev)
	}
}

func TestBackoffJitterStaysWithinQuarter(t *testing.T) {
	b := Backoff{Base: 400 * time.Millisecond, Max: time.Minute}
	for i := 0; i < 200; i++ {
		d := b.Delay(2, 0)
		assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
		assert.Less(t, d, 2000*time.Millisecond)
	}
}

func TestBackoffHintWinsWhenLarger(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: func() float64 { return 0 }}
	assert.Equal(t, 10*time.Second, b.Delay(0, 10*time.Second))
	assert.Equal(t, 4*time.Second, b.Delay(2, time.Second))
	assert.Equal(t, 30*time.Second, b.Delay(0, 5*time.Minute))
}

func TestBackoffNegativeAttempt(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Jitter: func() float64 { return 0 }}
	assert.Equal(t, time.Second, b.Delay(-3, 0))
}
