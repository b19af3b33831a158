// Package cacheval holds a value with validity timeout.
// Usage scenario examples: DNS resolve, reachability probe.
// All methods except `Init` are thread-safe.
package cacheval

import (
	"sync/atomic"
	"time"

	"github.com/temoto/iotc-agent/helpers/atomic_clock"
)

type Int32 struct {
	value   int32
	updated atomic_clock.Clock
	valid   time.Duration
	source  atomic_clock.Source
}

// Not thread-safe. `valid` duration cannot be changed later.
// nil source means system clock.
func (c *Int32) Init(valid time.Duration, source atomic_clock.Source) {
	if source == nil {
		source = atomic_clock.SystemSource
	}
	c.valid = valid
	c.source = source
	c.updated.Reset()
}

// Returns current (possibly stale) value.
func (c *Int32) Get() int32 { return atomic.LoadInt32(&c.value) }

// Returns current value and true if it's fresh.
func (c *Int32) GetFresh() (int32, bool) {
	v := atomic.LoadInt32(&c.value)
	age := c.updated.Age(c.source())
	return v, age >= 0 && age <= c.valid
}

// Always returns fresh value.
// If value is stale, runs `f()` and stores its result.
// No cache stampede guard.
func (c *Int32) GetOrUpdate(f func() int32) int32 {
	if v, ok := c.GetFresh(); ok {
		return v
	}
	v := f()
	c.Set(v)
	return v
}

func (c *Int32) Set(v int32) {
	atomic.StoreInt32(&c.value, v)
	c.updated.Set(c.source())
}

// Invalidate makes next GetOrUpdate call f.
func (c *Int32) Invalidate() { c.updated.Reset() }
