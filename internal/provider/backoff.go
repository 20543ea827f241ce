package provider

import (
	"math"
	"math/rand/v2"
	"time"
)

const maxJitterFraction = 0.25

// Backoff computes retry delays:
//
//	delay = min(max(base*2^attempt + jitter(0..25%), hint), max)
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter returns a value in [0,1). Nil uses math/rand.
	Jitter func() float64
}

// Delay returns the wait before retry number attempt (0-based) given an
// optional server hint. A larger hint wins over the exponential value.
func (b Backoff) Delay(attempt int, hint time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	jitter := b.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	exp := float64(b.Base) * math.Pow(2, float64(attempt))
	d := exp + exp*maxJitterFraction*clamp01(jitter())
	if h := float64(hint); h > d {
		d = h
	}
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f >= 1 {
		return math.Nextafter(1, 0)
	}
	return f
}

// RetryContext describes one scheduled retry. It is passed to the retry hook.
type RetryContext struct {
	Endpoint string
	Attempt  int
	Delay    time.Duration
	Hint     time.Duration
	Kind     Kind
}
