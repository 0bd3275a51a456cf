package ratelimit

import "sync/atomic"

// Sampler gates high-frequency diagnostics (one log line per relayed datagram)
// to at most perSecond events per second with a burst of the same size.
//
// Suppressed events are counted; the count is handed back on the next allowed
// event so the emitter can report how many lines were skipped.
type Sampler struct {
	bucket     *bucket
	disabled   bool
	suppressed atomic.Uint64
}

// NewSampler returns a Sampler. perSecond <= 0 suppresses every event.
func NewSampler(clock Clock, perSecond int) *Sampler {
	if perSecond <= 0 {
		return &Sampler{disabled: true}
	}
	return &Sampler{bucket: newBucket(clock, perSecond)}
}

// Allow reports whether the caller may emit now. When it returns true,
// skipped is the number of events suppressed since the previous allowed one.
func (s *Sampler) Allow() (ok bool, skipped uint64) {
	if s == nil || s.disabled || !s.bucket.take() {
		if s != nil {
			s.suppressed.Add(1)
		}
		return false, 0
	}
	return true, s.suppressed.Swap(0)
}

// Suppressed returns the number of events suppressed since the last allowed
// event.
func (s *Sampler) Suppressed() uint64 {
	if s == nil {
		return 0
	}
	return s.suppressed.Load()
}
