package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/kestrel-embedded/i2c-hsm/internal/bus"
	"github.com/kestrel-embedded/i2c-hsm/internal/driverevents"
)

type fakeWriter struct {
	mu       sync.Mutex
	timings  []timingsCall
	txns     []txnCall
}

type timingsCall struct {
	ao         string
	idle, busy time.Duration
}

type txnCall struct {
	ao, op, outcome string
	duration        time.Duration
	retries         int
}

func (f *fakeWriter) WriteAOTimings(aoName string, idle, busy time.Duration) {
	f.mu.Lock()
	f.timings = append(f.timings, timingsCall{aoName, idle, busy})
	f.mu.Unlock()
}

func (f *fakeWriter) WriteTransaction(aoName, op, outcome string, duration time.Duration, retries int) {
	f.mu.Lock()
	f.txns = append(f.txns, txnCall{aoName, op, outcome, duration, retries})
	f.mu.Unlock()
}

func (f *fakeWriter) timingsLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timings)
}

func (f *fakeWriter) txnsLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.txns)
}

func TestRegisterAndSample(t *testing.T) {
	w := &fakeWriter{}
	r := New(Config{Writer: w})

	r.Register("test-ao", func() (time.Duration, time.Duration) {
		return 5 * time.Second, time.Second
	})

	r.sample()

	if w.timingsLen() != 1 {
		t.Fatalf("timings recorded = %d, want 1", w.timingsLen())
	}
	got := w.timings[0]
	if got.ao != "test-ao" || got.idle != 5*time.Second || got.busy != time.Second {
		t.Fatalf("got = %#v", got)
	}
}

func TestWatchRecordsPublishedTransactions(t *testing.T) {
	w := &fakeWriter{}
	r := New(Config{Writer: w})

	b := bus.NewLocal()
	if err := r.Watch(b, "test-ao", "i2c/test-ao/transaction"); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	b.Publish("i2c/test-ao/transaction", driverevents.TransactionReport{
		AOName: "test-ao", Op: "Read", Outcome: "Success", Duration: 4000, Retries: 1,
	})

	deadline := time.Now().Add(time.Second)
	for w.txnsLen() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for recorded transaction")
		}
		time.Sleep(time.Millisecond)
	}

	got := w.txns[0]
	if got.ao != "test-ao" || got.op != "Read" || got.outcome != "Success" || got.duration != 4*time.Millisecond || got.retries != 1 {
		t.Fatalf("got = %#v", got)
	}
}

func TestWatchRecordsFailureOutcomeCode(t *testing.T) {
	w := &fakeWriter{}
	r := New(Config{Writer: w})

	b := bus.NewLocal()
	if err := r.Watch(b, "test-ao", "i2c/test-ao/transaction"); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	b.Publish("i2c/test-ao/transaction", driverevents.TransactionReport{
		AOName: "test-ao", Op: "Write", Outcome: "Failure", Code: driverevents.ErrI2cTimeout,
	})

	deadline := time.Now().Add(time.Second)
	for w.txnsLen() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for recorded transaction")
		}
		time.Sleep(time.Millisecond)
	}

	got := w.txns[0]
	if got.outcome != string(driverevents.ErrI2cTimeout) {
		t.Fatalf("got outcome = %q, want %q", got.outcome, driverevents.ErrI2cTimeout)
	}
}
