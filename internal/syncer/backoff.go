package syncer

import (
	"math/rand/v2"
	"sync"
	"time"
)

// backoff produces jittered exponential delays for the retry kicker that
// keeps draining a backlog between connectivity edges.
type backoff struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	multiplier float64

	mu      sync.Mutex
	current time.Duration
}

func newBackoff(min, max time.Duration, multiplier float64) *backoff {
	return &backoff{
		minDelay:   min,
		maxDelay:   max,
		multiplier: multiplier,
		current:    min,
	}
}

func (b *backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	jitterFactor := rand.Float64()*0.4 - 0.2
	jitter := time.Duration(jitterFactor * float64(b.current))
	wait := max(b.current+jitter, b.minDelay)

	b.current = min(time.Duration(float64(b.current)*b.multiplier), b.maxDelay)

	return wait
}

func (b *backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.minDelay
}
