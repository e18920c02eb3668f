package ao

import (
	"sync"
	"time"
)

// Timer is one of the two watchdogs (lockup, busy) each active object
// owns. Arming an already-armed Timer replaces the prior arm; disarming an
// unarmed Timer is a no-op. Both are safe for concurrent use because timer
// expiry runs on a goroutine spawned by the Clock, not on the active
// object's own goroutine.
type Timer struct {
	clock Clock

	mu     sync.Mutex
	cancel CancelFunc
}

// NewTimer creates a Timer backed by clock. A nil clock uses RealClock.
func NewTimer(clock Clock) *Timer {
	if clock == nil {
		clock = RealClock
	}
	return &Timer{clock: clock}
}

// Arm schedules fire to run after d, replacing any pending arm.
func (t *Timer) Arm(d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	t.cancel = t.clock.AfterFunc(d, fire)
}

// Disarm cancels a pending arm. It is a no-op if the Timer is not armed or
// has already fired.
func (t *Timer) Disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}
