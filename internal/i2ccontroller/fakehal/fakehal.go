// Package fakehal is an in-memory i2chal.Bus test double that can be told
// to succeed, NAK, or hang until its context is cancelled, optionally after
// a fixed delay. The i2ccontroller tests and cmd/i2cdemo use it.
package fakehal

import (
	"context"
	"sync"
	"time"

	"github.com/kestrel-embedded/i2c-hsm/internal/i2chal"
)

// Mode selects how the next Transact call behaves.
type Mode int

const (
	// ModeSucceed copies ReadData into rx (truncated/zero-padded to fit) and
	// returns nil.
	ModeSucceed Mode = iota
	// ModeNak returns a HALError built from ErrorCode/ErrorMessage.
	ModeNak
	// ModeHang blocks until ctx is cancelled, simulating a slave that never
	// releases the bus — the scenario a lockup timer exists to catch.
	ModeHang
)

// Bus is a configurable i2chal.Bus. The zero value (via New) succeeds every
// transaction with an empty read payload.
type Bus struct {
	mu sync.Mutex

	mode     Mode
	delay    time.Duration
	readData []byte
	errCode  int32
	errMsg   string
	calls    []Call
}

// Call records one Transact invocation for assertions.
type Call struct {
	SlaveAddr  uint8
	UseRegAddr bool
	RegAddr    uint8
	Tx         []byte
}

// New returns a Bus in ModeSucceed.
func New() *Bus {
	return &Bus{mode: ModeSucceed}
}

// SetMode changes how subsequent Transact calls behave.
func (b *Bus) SetMode(m Mode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mode = m
}

// SetDelay makes Transact wait d (or until ctx is cancelled, whichever comes
// first) before applying Mode — used to exercise a driver's busy-timer path
// without actually failing the transaction.
func (b *Bus) SetDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = d
}

// SetReadData sets the bytes a ModeSucceed read phase copies into rx.
func (b *Bus) SetReadData(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readData = data
}

// SetError sets the code/message a ModeNak call returns.
func (b *Bus) SetError(code int32, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errCode = code
	b.errMsg = msg
}

// Calls returns a copy of every Transact call recorded so far.
func (b *Bus) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// Transact implements i2chal.Bus.
func (b *Bus) Transact(ctx context.Context, slaveAddr uint8, useRegAddr bool, regAddr uint8, tx, rx []byte) error {
	b.mu.Lock()
	mode := b.mode
	delay := b.delay
	readData := b.readData
	errCode, errMsg := b.errCode, b.errMsg
	b.calls = append(b.calls, Call{SlaveAddr: slaveAddr, UseRegAddr: useRegAddr, RegAddr: regAddr, Tx: append([]byte(nil), tx...)})
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	switch mode {
	case ModeHang:
		<-ctx.Done()
		return ctx.Err()
	case ModeNak:
		return &i2chal.HALError{Code: errCode, Message: errMsg}
	default:
		if len(rx) > 0 {
			n := copy(rx, readData)
			for ; n < len(rx); n++ {
				rx[n] = 0
			}
		}
		return nil
	}
}

// Close implements i2chal.Bus.
func (b *Bus) Close() error { return nil }
