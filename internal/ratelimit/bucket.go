package ratelimit

import (
	"sync"
	"time"
)

// bucket admits bursts of up to capacity events and regains one event every
// interval. It keeps the time at which the bucket would be full again instead
// of a token count, so refill needs no fractional arithmetic.
type bucket struct {
	mu       sync.Mutex
	clock    Clock
	interval time.Duration
	burst    time.Duration

	full time.Time
}

func newBucket(clock Clock, perSecond int) *bucket {
	if clock == nil {
		clock = RealClock{}
	}
	interval := time.Second / time.Duration(perSecond)
	return &bucket{
		clock:    clock,
		interval: interval,
		burst:    interval * time.Duration(perSecond),
	}
}

// take consumes one event if the bucket has room for it.
func (b *bucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	full := b.full
	if full.Before(now) {
		full = now
	}
	next := full.Add(b.interval)
	if next.Sub(now) > b.burst {
		return false
	}
	b.full = next
	return true
}
