package apidriver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kestrel-embedded/i2c-hsm/internal/ao/faketime"
	"github.com/kestrel-embedded/i2c-hsm/internal/bus"
	"github.com/kestrel-embedded/i2c-hsm/internal/devicedriver"
	"github.com/kestrel-embedded/i2c-hsm/internal/driverevents"
	"github.com/kestrel-embedded/i2c-hsm/internal/hsm"
)

// fakeDevice stands in for the device driver: it records every event
// forwarded to it and lets each test script whether/how to reply, without
// pulling in a real devicedriver.Driver and its own timers.
type fakeDevice struct {
	mu       sync.Mutex
	posted   []hsm.Event
	onPosted func(e hsm.Event)
}

func (f *fakeDevice) Post(e hsm.Event) bool {
	f.mu.Lock()
	f.posted = append(f.posted, e)
	fn := f.onPosted
	f.mu.Unlock()
	if fn != nil {
		fn(e)
	}
	return true
}

func (f *fakeDevice) events() []hsm.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hsm.Event(nil), f.posted...)
}

// fakeClient records every reply posted to it.
type fakeClient struct {
	mu  sync.Mutex
	got []hsm.Event
}

func (f *fakeClient) Post(e hsm.Event) bool {
	f.mu.Lock()
	f.got = append(f.got, e)
	f.mu.Unlock()
	return true
}

func (f *fakeClient) events() []hsm.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hsm.Event(nil), f.got...)
}

func waitForN(t *testing.T, n func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		if n() >= want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d events, got %d", want, n())
		}
		time.Sleep(time.Millisecond)
	}
}

func waitForState(t *testing.T, d *Driver, name string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		if d.Machine().Current().Name == name {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state %q, currently %q", name, d.Machine().Current().Name)
		}
		time.Sleep(time.Millisecond)
	}
}

// bootToIdle drives a fresh Driver through Starting by having the fake
// device immediately acknowledge the forwarded Enable with a StatusEnabled
// report, as a real devicedriver.Driver would once its own Starting state
// reaches Idle.
func bootToIdle(t *testing.T, d *Driver, device *fakeDevice) {
	t.Helper()
	d.Post(hsm.Event{Signal: SigEnable})
	waitForN(t, func() int { return len(device.events()) }, 1)
	d.Post(hsm.Event{Signal: sigDeviceReady})
	waitForState(t, d, "Idle")
}

func newTestDriver(t *testing.T, device *fakeDevice, deferredSize int) (*Driver, *faketime.Clock) {
	t.Helper()
	clock := faketime.New()
	d, err := New(Config{
		Name:              "test-api",
		DeferredQueueSize: deferredSize,
		Device:            device,
		Bus:               bus.NewLocal(),
		Clock:             clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, clock
}

func TestStartingBootsToIdleOnDeviceReady(t *testing.T) {
	device := &fakeDevice{}
	d, _ := newTestDriver(t, device, 2)
	d.Start(context.Background())

	bootToIdle(t, d, device)

	got := device.events()[0]
	if got.Signal != devicedriver.SigEnable {
		t.Fatalf("signal = %v, want %v", got.Signal, devicedriver.SigEnable)
	}
	if d.Status() != driverevents.StatusEnabled {
		t.Fatalf("status = %v, want Enabled", d.Status())
	}
}

func TestStartingRetriesOnLockupTimeout(t *testing.T) {
	device := &fakeDevice{}
	d, clock := newTestDriver(t, device, 2)
	d.Start(context.Background())

	d.Post(hsm.Event{Signal: SigEnable})
	waitForN(t, func() int { return len(device.events()) }, 1)

	time.Sleep(10 * time.Millisecond)
	clock.Advance(1000 * time.Millisecond)

	waitForN(t, func() int { return len(device.events()) }, 2)
	d.Post(hsm.Event{Signal: sigDeviceReady})
	waitForState(t, d, "Idle")

	if len(device.events()) != 2 {
		t.Fatalf("expected device to be re-sent Enable exactly once, got %d", len(device.events()))
	}
}

func TestHappyPathReadForwardsAndReplies(t *testing.T) {
	device := &fakeDevice{}
	d, _ := newTestDriver(t, device, 2)
	d.Start(context.Background())
	bootToIdle(t, d, device)

	client := &fakeClient{}
	d.Post(hsm.Event{Signal: SigRead, Payload: ReadRequest{Requester: client, RequestID: 7, RegAddr: 0x20, Len: 2}})

	waitForN(t, func() int { return len(device.events()) }, 2) // Enable + forwarded Read.
	forwarded := device.events()[1]
	readReq, ok := forwarded.Payload.(devicedriver.ReadRequest)
	if !ok || forwarded.Signal != devicedriver.SigRead {
		t.Fatalf("forwarded = %#v", forwarded)
	}

	d.Post(hsm.Event{Signal: devicedriver.SigResponse, Payload: devicedriver.Response{
		RequestID: readReq.RequestID, Op: devicedriver.OpRead, RegAddr: 0x20, Data: []byte{0xAA, 0xBB},
	}})

	waitForN(t, func() int { return len(client.events()) }, 1)
	waitForState(t, d, "Idle")

	got := client.events()[0]
	if got.Signal != SigResponse {
		t.Fatalf("signal = %v, want %v", got.Signal, SigResponse)
	}
	resp := got.Payload.(Response)
	if resp.RequestID != 7 || resp.Op != OpRead || len(resp.Data) != 2 {
		t.Fatalf("resp = %#v", resp)
	}
}

func TestDeferredRequestIsRecalledOnReturnToIdle(t *testing.T) {
	device := &fakeDevice{}
	d, _ := newTestDriver(t, device, 2)
	d.Start(context.Background())
	bootToIdle(t, d, device)

	first := &fakeClient{}
	d.Post(hsm.Event{Signal: SigWrite, Payload: WriteRequest{Requester: first, RequestID: 1, RegAddr: 0x01, Data: []byte{0x01}}})
	waitForN(t, func() int { return len(device.events()) }, 2)
	waitForState(t, d, "Busy")

	second := &fakeClient{}
	d.Post(hsm.Event{Signal: SigRead, Payload: ReadRequest{Requester: second, RequestID: 2, RegAddr: 0x02, Len: 1}})
	time.Sleep(10 * time.Millisecond)
	if len(device.events()) != 2 {
		t.Fatalf("expected second request to be deferred, not forwarded; device saw %d events", len(device.events()))
	}

	firstReqID := device.events()[1].Payload.(devicedriver.WriteRequest).RequestID
	d.Post(hsm.Event{Signal: devicedriver.SigResponse, Payload: devicedriver.Response{RequestID: firstReqID, Op: devicedriver.OpWrite}})

	waitForN(t, func() int { return len(first.events()) }, 1)
	waitForN(t, func() int { return len(device.events()) }, 3) // recalled Read now forwarded.

	forwarded := device.events()[2]
	readReq, ok := forwarded.Payload.(devicedriver.ReadRequest)
	if !ok || forwarded.Signal != devicedriver.SigRead || readReq.RequestID != firstReqID+1 {
		t.Fatalf("recalled forward = %#v", forwarded)
	}

	d.Post(hsm.Event{Signal: devicedriver.SigResponse, Payload: devicedriver.Response{RequestID: readReq.RequestID, Op: devicedriver.OpRead, RegAddr: 0x02, Data: []byte{0xFF}}})
	waitForN(t, func() int { return len(second.events()) }, 1)

	got := second.events()[0].Payload.(Response)
	if got.RequestID != 2 {
		t.Fatalf("requestID = %d, want 2", got.RequestID)
	}
}

func TestDeferredQueueFullRejectsSynchronously(t *testing.T) {
	device := &fakeDevice{}
	d, _ := newTestDriver(t, device, 1)
	d.Start(context.Background())
	bootToIdle(t, d, device)

	busyHolder := &fakeClient{}
	d.Post(hsm.Event{Signal: SigWrite, Payload: WriteRequest{Requester: busyHolder, RequestID: 1, RegAddr: 0x01, Data: []byte{0x01}}})
	waitForState(t, d, "Busy")

	// Fill the single deferred slot.
	deferredClient := &fakeClient{}
	d.Post(hsm.Event{Signal: SigRead, Payload: ReadRequest{Requester: deferredClient, RequestID: 2, RegAddr: 0x02, Len: 1}})
	time.Sleep(10 * time.Millisecond)

	// This one has nowhere to go and must be rejected synchronously.
	overflowClient := &fakeClient{}
	d.Post(hsm.Event{Signal: SigRead, Payload: ReadRequest{Requester: overflowClient, RequestID: 3, RegAddr: 0x03, Len: 1}})

	waitForN(t, func() int { return len(overflowClient.events()) }, 1)
	got := overflowClient.events()[0]
	if got.Signal != SigErrorReply {
		t.Fatalf("signal = %v, want %v", got.Signal, SigErrorReply)
	}
	errReply := got.Payload.(ErrorReply)
	if errReply.Code != driverevents.ErrQueueFull {
		t.Fatalf("code = %v, want %v", errReply.Code, driverevents.ErrQueueFull)
	}
	if len(deferredClient.events()) != 0 {
		t.Fatalf("deferred client should not have been answered yet")
	}
}

func TestBusyTimeoutDoesNotReplyToClient(t *testing.T) {
	device := &fakeDevice{}
	d, clock := newTestDriver(t, device, 2)
	d.Start(context.Background())
	bootToIdle(t, d, device)

	client := &fakeClient{}
	d.Post(hsm.Event{Signal: SigRead, Payload: ReadRequest{Requester: client, RequestID: 5, RegAddr: 0x10, Len: 1}})
	waitForState(t, d, "Busy")

	var warnings []driverevents.GenericError
	var mu sync.Mutex
	localBus := bus.NewLocal()
	localBus.Subscribe("i2c/test-api/error", driverevents.GenericError{}, func(v any) {
		mu.Lock()
		warnings = append(warnings, v.(driverevents.GenericError))
		mu.Unlock()
	})
	d.statusBus = localBus

	time.Sleep(10 * time.Millisecond)
	clock.Advance(250 * time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	if len(client.events()) != 0 {
		t.Fatalf("expected no reply to client on busy timeout, got %v", client.events())
	}
	waitForState(t, d, "Idle")

	// The forwarded request's eventual reply still shows up but is now
	// dropped rather than delivered: the driver has already moved on to
	// Idle, which has no case for a device reply, so a late arrival never
	// reaches the client even though the in-flight id would have matched
	// had it arrived while still in Busy.
	waitForN(t, func() int { return len(device.events()) }, 2)
	forwarded := device.events()[1].Payload.(devicedriver.ReadRequest)
	d.Post(hsm.Event{Signal: devicedriver.SigResponse, Payload: devicedriver.Response{RequestID: forwarded.RequestID, Op: devicedriver.OpRead, Data: []byte{0x01}}})
	time.Sleep(20 * time.Millisecond)
	if len(client.events()) != 0 {
		t.Fatalf("expected late reply to be dropped, got %v", client.events())
	}
}

func TestMismatchedReplyIDIsIgnored(t *testing.T) {
	device := &fakeDevice{}
	d, _ := newTestDriver(t, device, 2)
	d.Start(context.Background())
	bootToIdle(t, d, device)

	client := &fakeClient{}
	d.Post(hsm.Event{Signal: SigRead, Payload: ReadRequest{Requester: client, RequestID: 1, RegAddr: 0x01, Len: 1}})
	waitForN(t, func() int { return len(device.events()) }, 2)
	inFlightID := device.events()[1].Payload.(devicedriver.ReadRequest).RequestID

	// A reply tagged with an id other than the current in-flight id must
	// be ignored rather than delivered to the waiting client.
	d.Post(hsm.Event{Signal: devicedriver.SigResponse, Payload: devicedriver.Response{RequestID: inFlightID + 99, Op: devicedriver.OpRead}})
	time.Sleep(20 * time.Millisecond)

	if len(client.events()) != 0 {
		t.Fatalf("expected mismatched reply to be ignored, got %v", client.events())
	}
	if !hsm.InState(d.Machine().Current(), "Busy") {
		t.Fatalf("expected driver to remain in Busy, got %q", d.Machine().Current().Name)
	}
}
