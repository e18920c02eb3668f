package bus

import "sync"

// deliveryQueueSize bounds the per-subscriber delivery channel. A slow
// subscriber backs up its own queue without blocking the publisher or other
// subscribers: delivery is FIFO per subscriber but not globally ordered
// across subscribers.
const deliveryQueueSize = 32

type localSubscription struct {
	ch chan any
}

// Local is an in-process Bus. Each Subscribe call gets its own goroutine
// draining a private channel, which is what gives FIFO-per-subscriber
// delivery without serialising unrelated subscribers behind each other.
type Local struct {
	mu   sync.RWMutex
	subs map[string][]*localSubscription
}

// NewLocal creates an empty Local bus.
func NewLocal() *Local {
	return &Local{subs: make(map[string][]*localSubscription)}
}

// Subscribe registers handler for topic. sample is unused: Local hands the
// publisher's original value straight through with no encode/decode step,
// so there is no payload to decode into it. Subscribe never returns an
// error; the error return exists to satisfy the Subscriber interface and
// leave room for transport-backed implementations (bus.MQTT) that can fail.
func (b *Local) Subscribe(topic string, sample any, handler func(v any)) error {
	sub := &localSubscription{ch: make(chan any, deliveryQueueSize)}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	go func() {
		for v := range sub.ch {
			handler(v)
		}
	}()

	return nil
}

// Publish delivers v to every subscriber of topic. A subscriber whose
// delivery queue is full is dropped for this publish rather than blocking
// the publisher — the driver's own lockup/busy timers are the backstop for
// a status update a subscriber never saw.
func (b *Local) Publish(topic string, v any) error {
	b.mu.RLock()
	subs := append([]*localSubscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- v:
		default:
		}
	}
	return nil
}
