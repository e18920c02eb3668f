package apidriver

import (
	"container/list"

	"github.com/kestrel-embedded/i2c-hsm/internal/hsm"
)

// deferredQueue is the bounded FIFO of opaque event handles held during
// Busy, recalled into the main queue on return to Idle. Capacity is fixed
// at construction (default 5).
type deferredQueue struct {
	capacity int
	events   *list.List
}

func newDeferredQueue(capacity int) *deferredQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &deferredQueue{capacity: capacity, events: list.New()}
}

// push enqueues e, returning false if the queue is already at capacity —
// the caller answers an overflow with a synchronous QueueFull error.
func (q *deferredQueue) push(e hsm.Event) bool {
	if q.events.Len() >= q.capacity {
		return false
	}
	q.events.PushBack(e)
	return true
}

// pop removes and returns the oldest deferred event, if any.
func (q *deferredQueue) pop() (hsm.Event, bool) {
	front := q.events.Front()
	if front == nil {
		return hsm.Event{}, false
	}
	q.events.Remove(front)
	return front.Value.(hsm.Event), true
}

func (q *deferredQueue) len() int {
	return q.events.Len()
}
