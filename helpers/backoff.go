package helpers

import (
	"math/rand"
	"time"
)

// Limited exponential backoff with random jitter and retry ceiling.
// Next timeout = min(prev*K + rand[JitterMin,JitterMax), Max).
// First timeout is jitter only.
// Time is supplied by caller in milliseconds, so it works with any monotonic clock.
type Backoff struct {
	Max       time.Duration
	K         int
	JitterMin time.Duration
	JitterMax time.Duration
	Limit     int        // 0 = unlimited retries
	Rand      *rand.Rand // nil = math/rand global

	retries int
	timeout time.Duration
	since   uint64
}

// Use scenario:
//
//	if !backoff.Failure(now) {
//	  give up, backoff.Reset()
//	}
//
// ...
// if backoff.Expired(now) { retry }
//
// Returns false without changing state when retry ceiling is reached.
func (b *Backoff) Failure(now uint64) bool {
	if b.Limit > 0 && b.retries >= b.Limit {
		return false
	}
	b.retries++
	b.timeout = b.next(b.timeout)
	b.since = now
	return true
}

func (b *Backoff) Reset() {
	b.retries = 0
	b.timeout = 0
	b.since = 0
}

// True when no failure recorded or current timeout elapsed.
func (b *Backoff) Expired(now uint64) bool {
	return b.Remaining(now) == 0
}

func (b *Backoff) Remaining(now uint64) time.Duration {
	if b.retries == 0 {
		return 0
	}
	if now < b.since {
		return b.timeout
	}
	elapsed := time.Duration(now-b.since) * time.Millisecond
	if elapsed >= b.timeout {
		return 0
	}
	return b.timeout - elapsed
}

func (b *Backoff) Retries() int           { return b.retries }
func (b *Backoff) Timeout() time.Duration { return b.timeout }

func (b *Backoff) next(prev time.Duration) time.Duration {
	k := b.K
	if k == 0 {
		k = 2
	}
	d := prev*time.Duration(k) + b.jitter()
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d / time.Millisecond * time.Millisecond
}

func (b *Backoff) jitter() time.Duration {
	span := int64(b.JitterMax - b.JitterMin)
	if span <= 0 {
		return b.JitterMin
	}
	var r int64
	if b.Rand != nil {
		r = b.Rand.Int63n(span)
	} else {
		r = rand.Int63n(span)
	}
	return b.JitterMin + time.Duration(r)
}
