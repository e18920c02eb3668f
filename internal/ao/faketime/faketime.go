// Package faketime provides a deterministic ao.Clock for tests so that
// lockup/busy timeout and retry paths in the device and API drivers can be
// exercised without sleeping in wall-clock time.
package faketime

import (
	"sync"
	"time"
)

type pending struct {
	remaining time.Duration
	fire      func()
	fired     bool
	cancelled bool
}

// Clock is an ao.Clock whose timers only advance when Advance is called.
// Safe for concurrent use.
type Clock struct {
	mu      sync.Mutex
	pending []*pending
}

// New creates a stopped Clock; no timer fires until Advance is called.
func New() *Clock {
	return &Clock{}
}

// AfterFunc registers f to fire after d of simulated time has elapsed via
// Advance. It satisfies ao.Clock.
func (c *Clock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	p := &pending{remaining: d, fire: f}
	c.pending = append(c.pending, p)
	c.mu.Unlock()

	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if p.cancelled || p.fired {
			return false
		}
		p.cancelled = true
		return true
	}
}

// Advance moves simulated time forward by d, firing (in registration order)
// every still-armed timer whose remaining duration has elapsed. Callbacks
// run synchronously on the calling goroutine, after the bookkeeping lock is
// released, so a callback is free to call AfterFunc again (e.g. a retry
// re-arming the same logical timer).
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	var due []*pending
	for _, p := range c.pending {
		if p.cancelled || p.fired {
			continue
		}
		p.remaining -= d
		if p.remaining <= 0 {
			p.fired = true
			due = append(due, p)
		}
	}
	c.mu.Unlock()

	for _, p := range due {
		p.fire()
	}
}

// Pending returns the number of timers that are armed and have not yet
// fired or been cancelled. Useful for asserting that a state's Exit handler
// disarmed its timer.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.pending {
		if !p.cancelled && !p.fired {
			n++
		}
	}
	return n
}
