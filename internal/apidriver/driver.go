// Package apidriver implements the API-level active object: a
// higher-level enable/disable/status contract that mirrors the device AO's
// lifecycle, defers client requests received while busy, and surfaces
// fatal device errors, shielding clients from the device AO's transient,
// transaction-scoped states. It tracks its own idle/busy accumulators and
// recalls deferred requests on return to Idle.
package apidriver

import (
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-embedded/i2c-hsm/internal/ao"
	"github.com/kestrel-embedded/i2c-hsm/internal/bus"
	"github.com/kestrel-embedded/i2c-hsm/internal/devicedriver"
	"github.com/kestrel-embedded/i2c-hsm/internal/driverevents"
	"github.com/kestrel-embedded/i2c-hsm/internal/hsm"
	"github.com/kestrel-embedded/i2c-hsm/internal/replyable"
)

const (
	defaultQueueSize         = 10
	defaultDeferredQueueSize = 5
	defaultInitLockupTime    = 1000 * time.Millisecond
	defaultBusyTime          = 250 * time.Millisecond
	defaultRetryMax          = 10
)

// Config collects a Driver's dependencies and timing budget.
type Config struct {
	Name              string
	DeviceName        string
	QueueSize         int
	DeferredQueueSize int
	InitLockupTime    time.Duration
	BusyTime          time.Duration
	RetryMax          int

	// Device is the device driver this API driver fronts. *devicedriver.Driver
	// satisfies this via its promoted Post method.
	Device replyable.Requester
	Bus    bus.Bus
	Logger ao.Logger
	Clock  ao.Clock
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Driver is the API active object. It embeds *ao.Object, so it satisfies
// replyable.Requester directly: the device driver delivers its replies by
// calling Driver.Post.
type Driver struct {
	*ao.Object

	name      string
	logger    ao.Logger
	statusBus bus.Publisher
	statusTop string
	errorTop  string
	txTop     string
	device    replyable.Requester

	initLockupTime time.Duration
	busyTime       time.Duration
	retryMax       int

	lockupTimer *ao.Timer
	busyTimer   *ao.Timer

	deferred *deferredQueue

	mu        sync.Mutex
	status    driverevents.Status
	lastError driverevents.ErrorCode
	debugLvl  int

	timingsMu  sync.Mutex
	idleAccum  time.Duration
	busyAccum  time.Duration
	lastMarked time.Time

	// In-flight request context. Touched only from the dispatch goroutine.
	retryCount    int
	nextReqID     uint64
	inFlightID    uint64
	inFlightStart time.Time
	inFlightAddr  uint8
	clientOp      Op
	clientReq     replyable.Requester
	clientReqID   uint64

	states struct {
		backstop, disabled, starting, errState, enabled, idle, busy *hsm.State
	}
}

// New constructs a Driver in the Disabled state. When cfg.Bus is set and
// cfg.DeviceName is non-empty, New also subscribes to the device driver's
// status reports. Call Start to begin processing events.
func New(cfg Config) (*Driver, error) {
	if cfg.Name == "" {
		return nil, ErrMissingName
	}
	if cfg.Device == nil {
		return nil, ErrMissingDevice
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	deferredSize := cfg.DeferredQueueSize
	if deferredSize <= 0 {
		deferredSize = defaultDeferredQueueSize
	}

	d := &Driver{
		name:           cfg.Name,
		logger:         logger,
		statusBus:      cfg.Bus,
		statusTop:      fmt.Sprintf("i2c/%s/status", cfg.Name),
		errorTop:       fmt.Sprintf("i2c/%s/error", cfg.Name),
		txTop:          fmt.Sprintf("i2c/%s/transaction", cfg.Name),
		device:         cfg.Device,
		initLockupTime: orDefault(cfg.InitLockupTime, defaultInitLockupTime),
		busyTime:       orDefault(cfg.BusyTime, defaultBusyTime),
		retryMax:       cfg.RetryMax,
		deferred:       newDeferredQueue(deferredSize),
		lastMarked:     timeNow(),
	}
	if d.retryMax <= 0 {
		d.retryMax = defaultRetryMax
	}
	d.lockupTimer = ao.NewTimer(cfg.Clock)
	d.busyTimer = ao.NewTimer(cfg.Clock)

	d.buildStates()

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	machine := hsm.NewMachine(d.states.disabled, d.onDrop)
	d.Object = ao.New(cfg.Name, queueSize, machine, logger)

	machine.Enter()

	if cfg.Bus != nil && cfg.DeviceName != "" {
		deviceStatusTopic := devicedriver.StatusTopic(cfg.DeviceName)
		if err := cfg.Bus.Subscribe(deviceStatusTopic, driverevents.StatusReport{}, d.onDeviceStatus); err != nil {
			return nil, fmt.Errorf("apidriver: subscribing to device status: %w", err)
		}
	}

	return d, nil
}

// TransactionTopic returns the bus topic a Driver named name publishes its
// driverevents.TransactionReport values to. Exported so collaborators such
// as internal/telemetry and internal/txlog can subscribe without
// duplicating the naming convention.
func TransactionTopic(name string) string {
	return fmt.Sprintf("i2c/%s/transaction", name)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// timeNow is a seam for tests; wall-clock time is good enough for the
// idle/busy accumulators, which are diagnostic, not timing-correctness
// critical (unlike the lockup/busy watchdogs, which use ao.Clock).
var timeNow = time.Now

// onDeviceStatus translates a published driverevents.StatusReport from the
// device driver into this driver's own event vocabulary and posts it onto
// its own queue, so it is processed with the usual run-to-completion
// guarantee rather than from the bus's delivery goroutine.
func (d *Driver) onDeviceStatus(v any) {
	report, ok := v.(driverevents.StatusReport)
	if !ok {
		return
	}
	switch report.Status {
	case driverevents.StatusEnabled:
		d.Post(hsm.Event{Signal: sigDeviceReady})
	case driverevents.StatusDisabled:
		d.Post(hsm.Event{Signal: sigDeviceDisabled})
	case driverevents.StatusFatalError:
		d.Post(hsm.Event{Signal: sigDeviceErrorReport})
	}
}

// Status returns the driver's current status enum.
func (d *Driver) Status() driverevents.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// LastError returns the most recently recorded error code.
func (d *Driver) LastError() driverevents.ErrorCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastError
}

// Timings returns cumulative idle/busy durations, grounded in
// api_level.c's ao_timings_t (SPEC §6 supplement).
type Timings struct {
	Idle time.Duration
	Busy time.Duration
}

func (d *Driver) Timings() Timings {
	d.timingsMu.Lock()
	defer d.timingsMu.Unlock()
	return Timings{Idle: d.idleAccum, Busy: d.busyAccum}
}

func (d *Driver) markIdle() {
	d.timingsMu.Lock()
	now := timeNow()
	d.busyAccum += now.Sub(d.lastMarked)
	d.lastMarked = now
	d.timingsMu.Unlock()
}

func (d *Driver) markBusy() {
	d.timingsMu.Lock()
	now := timeNow()
	d.idleAccum += now.Sub(d.lastMarked)
	d.lastMarked = now
	d.timingsMu.Unlock()
}

// setStatus updates the driver's status and publishes a StatusReport only
// if the status actually changed, so a client sees exactly one
// announcement per change rather than one per state entry.
func (d *Driver) setStatus(s driverevents.Status) {
	d.mu.Lock()
	changed := d.status != s
	d.status = s
	d.mu.Unlock()
	if changed {
		d.publishStatus(s)
	}
}

func (d *Driver) publishStatus(s driverevents.Status) {
	if d.statusBus == nil {
		return
	}
	if err := d.statusBus.Publish(d.statusTop, driverevents.StatusReport{Status: s}); err != nil {
		d.logger.Warn("publishing api status failed", "ao", d.name, "error", err)
	}
}

func (d *Driver) publishError(code driverevents.ErrorCode, severity driverevents.Severity) {
	d.mu.Lock()
	d.lastError = code
	d.mu.Unlock()

	if d.statusBus == nil {
		return
	}
	err := d.statusBus.Publish(d.errorTop, driverevents.GenericError{
		Code:      code,
		AOName:    d.name,
		Severity:  severity,
		Subsystem: "i2c",
	})
	if err != nil {
		d.logger.Warn("publishing api error failed", "ao", d.name, "error", err)
	}
}

func (d *Driver) onDrop(e hsm.Event, cur *hsm.State) {
	d.logger.Debug("dropping unhandled signal", "ao", d.name, "signal", string(e.Signal), "state", cur.Name)
}

func (d *Driver) tryRetry() bool {
	if d.retryCount >= d.retryMax {
		return false
	}
	d.retryCount++
	return true
}

// forward snapshots the client request and posts the equivalent
// devicedriver request downstream, tagged with a fresh internal request id
// this driver alone tracks — the same correlation protocol devicedriver
// uses against the I2C controller, one layer up.
func (d *Driver) forward(op Op, requester replyable.Requester, requestID uint64, regAddr uint8, data []byte, readLen int) {
	d.clientOp = op
	d.clientReq = requester
	d.clientReqID = requestID

	d.nextReqID++
	d.inFlightID = d.nextReqID
	d.inFlightStart = timeNow()
	d.inFlightAddr = regAddr

	if op == OpRead {
		d.device.Post(hsm.Event{Signal: devicedriver.SigRead, Payload: devicedriver.ReadRequest{
			Requester: d, RequestID: d.inFlightID, RegAddr: regAddr, Len: readLen,
		}})
	} else {
		d.device.Post(hsm.Event{Signal: devicedriver.SigWrite, Payload: devicedriver.WriteRequest{
			Requester: d, RequestID: d.inFlightID, RegAddr: regAddr, Data: data,
		}})
	}
}

func (d *Driver) deliverResponse(regAddr uint8, data []byte) {
	req := replyable.Request{Requester: d.clientReq, RequestID: d.clientReqID}
	if !req.Deliver(hsm.Event{Signal: SigResponse, Payload: Response{RequestID: d.clientReqID, Op: d.clientOp, RegAddr: regAddr, Data: data}}) {
		d.logger.Warn("dropped response, client vanished", "ao", d.name, "request_id", d.clientReqID)
	}
	d.publishTransaction("Success", "")
}

func (d *Driver) deliverErrorReply(code driverevents.ErrorCode) {
	req := replyable.Request{Requester: d.clientReq, RequestID: d.clientReqID}
	if !req.Deliver(hsm.Event{Signal: SigErrorReply, Payload: ErrorReply{RequestID: d.clientReqID, Code: code}}) {
		d.logger.Warn("dropped error reply, client vanished", "ao", d.name, "request_id", d.clientReqID)
	}
	d.publishTransaction("Failure", code)
}

// publishTransaction reports one completed forward/reply round trip to
// off-hot-path observers (internal/telemetry, internal/txlog). It is
// called from the dispatch goroutine after the client has already been
// answered, so a slow or nil bus never delays a reply.
func (d *Driver) publishTransaction(outcome string, code driverevents.ErrorCode) {
	if d.statusBus == nil {
		return
	}
	op := "Read"
	if d.clientOp == OpWrite {
		op = "Write"
	}
	report := driverevents.TransactionReport{
		AOName:   d.name,
		Op:       op,
		RegAddr:  d.inFlightAddr,
		Outcome:  outcome,
		Code:     code,
		Retries:  d.retryCount,
		Duration: timeNow().Sub(d.inFlightStart).Microseconds(),
	}
	if err := d.statusBus.Publish(d.txTop, report); err != nil {
		d.logger.Warn("publishing transaction report failed", "ao", d.name, "error", err)
	}
}

// recallDeferred reposts the oldest deferred client request onto this
// driver's own queue, which is what causes it to be (re)dispatched from
// Idle and forwarded downstream.
func (d *Driver) recallDeferred() {
	e, ok := d.deferred.pop()
	if !ok {
		return
	}
	d.Post(e)
}
