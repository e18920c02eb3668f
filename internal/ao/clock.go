package ao

import "time"

// CancelFunc stops a pending timer callback. It returns false if the
// callback had already fired or been stopped.
type CancelFunc = func() bool

// Clock abstracts time.AfterFunc so tests can drive timeouts deterministically
// via the sibling faketime package instead of sleeping in wall-clock time.
// No fake-clock library appears anywhere in the retrieval pack (see
// DESIGN.md), so this is a small hand-rolled interface over the standard
// library rather than an adopted third-party dependency.
type Clock interface {
	AfterFunc(d time.Duration, f func()) CancelFunc
}

// realClock is the production Clock, backed directly by time.AfterFunc.
type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) CancelFunc {
	t := time.AfterFunc(d, f)
	return t.Stop
}

// RealClock is the default Clock used when a driver is constructed without
// an explicit one.
var RealClock Clock = realClock{}
