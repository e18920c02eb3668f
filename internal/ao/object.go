// Package ao provides the active-object runtime the device and API drivers
// are built on: a buffered event queue, a single-goroutine run-to-completion
// dispatch loop over an internal/hsm.Machine, and the two watchdog timers
// every active object owns.
//
// This is a cooperative scheduling contract expressed in Go: one goroutine
// per active object, processing exactly one event to completion before the
// next is dequeued, with no blocking calls inside a handler. The static
// event pool a C-language QP/QF runtime would use has no Go analogue and
// is dropped — events are ordinary garbage-collected values, and ownership
// transfer is modeled by a single channel send per event rather than a
// pool checkout.
package ao

import (
	"context"
	"sync"

	"github.com/kestrel-embedded/i2c-hsm/internal/hsm"
)

// Logger is the minimal structured-logging surface active objects need.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Object is the active-object runtime: a named event queue bound to an
// internal/hsm.Machine. Driver packages embed an *Object and define their
// own hsm.State trees with Handle closures over the driver's fields.
type Object struct {
	name    string
	queue   chan hsm.Event
	machine *hsm.Machine
	logger  Logger

	wg      sync.WaitGroup
	stopped chan struct{}
	cancel  context.CancelFunc
}

// New creates an Object named name, with a queue of the given capacity,
// dispatching into machine. logger may be nil, in which case logging is a
// no-op.
func New(name string, queueSize int, machine *hsm.Machine, logger Logger) *Object {
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Object{
		name:    name,
		queue:   make(chan hsm.Event, queueSize),
		machine: machine,
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// Name returns the active object's human-readable identity, used in logs
// and published error reports (GenericError.AOName).
func (o *Object) Name() string {
	return o.name
}

// Machine exposes the underlying hsm.Machine, primarily for tests that want
// to assert on the current state without going through events.
func (o *Object) Machine() *hsm.Machine {
	return o.machine
}

// Post enqueues e onto the active object's own queue. It never blocks: if
// the queue is full the event is dropped and Post returns false, which
// callers treat as a protocol violation worth a Warn log — a full queue on
// a correctly sized AO should never happen in normal operation.
//
// Self-posted events (EnterIdle, StartRW, Retry, …) land here exactly like
// externally posted ones, landing after anything already queued — this is
// what lets the API driver's deferred-queue recall forward the next client
// request only after the current transaction's completion event has been
// fully processed.
func (o *Object) Post(e hsm.Event) bool {
	select {
	case o.queue <- e:
		return true
	default:
		o.logger.Warn("queue full, dropping event", "ao", o.name, "signal", string(e.Signal))
		return false
	}
}

// Run processes events from the queue until ctx is cancelled. Each event is
// dispatched to completion (entry/exit chains included) before the next is
// dequeued — the run-to-completion guarantee an active object requires.
// Run blocks; call it from its own goroutine via Start.
func (o *Object) Run(ctx context.Context) {
	defer close(o.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-o.queue:
			o.machine.Dispatch(e)
		}
	}
}

// Start launches Run on a new goroutine and returns immediately. It derives
// its own cancellable context from ctx, so a handler can call Stop to end
// the run loop on its own terms (e.g. on an inbound Stop signal) without
// the caller that started it having to be involved.
func (o *Object) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Run(ctx)
	}()
}

// Stop ends the active object's run loop once the event currently being
// dispatched returns. Safe to call from within a handler, which is its
// main use: a handler reacting to an inbound Stop-style signal. A no-op if
// the active object was never started via Start (e.g. Run called directly
// in a test with a context the test already controls).
func (o *Object) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
}

// Wait blocks until the goroutine started by Start has returned (i.e. until
// ctx passed to Start is cancelled or Stop is called). Events still queued
// at that point are not processed.
func (o *Object) Wait() {
	o.wg.Wait()
}
