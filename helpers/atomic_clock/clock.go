// Package atomic_clock is atomic int64 nanosecond timestamp.
// Written by transport goroutines, read by the event loop goroutine.
// Do not use where time zone matters.
package atomic_clock

import (
	"sync/atomic"
	"time"
)

type Clock struct{ v int64 }

type Source func() int64

func SystemSource() int64 { return time.Now().UnixNano() }

func New(v int64) *Clock { return &Clock{v: v} }
func Now() *Clock        { return New(SystemSource()) }

func (c *Clock) UnixNano() int64 { return atomic.LoadInt64(&c.v) }
func (c *Clock) IsZero() bool    { return c.UnixNano() == 0 }

func (c *Clock) Set(v int64) { atomic.StoreInt64(&c.v, v) }
func (c *Clock) SetNow()     { c.Set(SystemSource()) }
func (c *Clock) Reset()      { c.Set(0) }

// Age returns now minus stored timestamp, or -1 if clock was never set.
func (c *Clock) Age(now int64) time.Duration {
	v := c.UnixNano()
	if v == 0 {
		return -1
	}
	return time.Duration(now - v)
}

func Since(c *Clock) time.Duration { return c.Age(SystemSource()) }
