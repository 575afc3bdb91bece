// Atomic value with validity timeout.
// "updated" timestamp is stored after value, without consistency.
// Usage scenario examples: modem link status, sensor reading.
// All methods except `Init` are thread-safe.
package cacheval

import (
	"sync/atomic"
	"time"

	"github.com/temoto/atomic_clock"
)

// Clock returns monotonic nanoseconds.
type Clock func() int64

type Int32 struct {
	value   int32
	updated int64 // 0 = never set
	valid   time.Duration
	clock   Clock
}

// Not thread-safe. `valid` duration cannot be changed later.
// nil clock means system time.
func (c *Int32) Init(valid time.Duration, clock Clock) {
	if clock == nil {
		clock = atomic_clock.Source
	}
	c.clock = clock
	c.valid = valid
	atomic.StoreInt64(&c.updated, 0)
}

func (c *Int32) get(now int64) (int32, bool) {
	v := atomic.LoadInt32(&c.value)
	updated := atomic.LoadInt64(&c.updated)
	if updated == 0 {
		return v, false
	}
	age := time.Duration(now - updated)
	return v, age >= 0 && age < c.valid
}

// Returns current (possibly stale) value. Fast and cheap.
func (c *Int32) Get() int32 { return atomic.LoadInt32(&c.value) }

// Returns current value and true if it's fresh. Costs current timestamp lookup.
func (c *Int32) GetFresh() (int32, bool) { return c.get(c.clock()) }

// Always returns fresh value.
// If value is stale, runs `f()`.
// It is `f()` responsibility to update value with `Set()` method.
// No cache stampede guard.
func (c *Int32) GetOrUpdate(f func()) int32 {
	v, ok := c.get(c.clock())
	if !ok {
		f()
		v = atomic.LoadInt32(&c.value)
	}
	return v
}

// Updates value and modified timestamp.
func (c *Int32) Set(new int32) {
	atomic.StoreInt32(&c.value, new)
	now := c.clock()
	if now == 0 {
		now = 1
	}
	atomic.StoreInt64(&c.updated, now)
}

// Keeps value, next GetFresh reports stale.
func (c *Int32) Invalidate() { atomic.StoreInt64(&c.updated, 0) }
