// Package clock implements a real and a test clock, useful for tightly
// controlled time in scheduler and backoff tests.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock can tell time
type Clock interface {
	Now() time.Time
}

// Real is a Clock that always returns the current time
type Real struct{}

// Now implements Clock
func (r *Real) Now() time.Time { return time.Now() }

// Test is a settable Clock for use in tests
type Test struct {
	time atomic.Pointer[time.Time]
}

// NewTest returns a new test clock set to 2000-01-01T00:00:00Z
func NewTest() *Test {
	clock := &Test{}
	t := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
	clock.time.Store(&t)
	return clock
}

// NewTestAt returns a new test clock set to t
func NewTestAt(t time.Time) *Test {
	clock := &Test{}
	clock.time.Store(&t)
	return clock
}

// Now implements Clock
func (c *Test) Now() time.Time {
	return *c.time.Load()
}

// Set moves the clock to t
func (c *Test) Set(t time.Time) {
	c.time.Store(&t)
}

// Add advances the clock by d
func (c *Test) Add(d time.Duration) {
	newTime := c.time.Load().Add(d)
	c.time.Store(&newTime)
}
