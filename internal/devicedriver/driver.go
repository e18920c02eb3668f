// Package devicedriver implements the device-level active object: the
// low-level driver that owns the I2C transaction lifecycle for a single
// slave, serializing one transaction at a time, enforcing the lockup/busy
// timeout-and-retry discipline, and replying to its caller (the API
// driver, ordinarily) via a correlated reply protocol.
package devicedriver

import (
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-embedded/i2c-hsm/internal/ao"
	"github.com/kestrel-embedded/i2c-hsm/internal/bus"
	"github.com/kestrel-embedded/i2c-hsm/internal/driverevents"
	"github.com/kestrel-embedded/i2c-hsm/internal/hsm"
	"github.com/kestrel-embedded/i2c-hsm/internal/i2ccontroller"
	"github.com/kestrel-embedded/i2c-hsm/internal/replyable"
)

// CommController is the I2C controller AO collaborator the device driver
// submits transactions to. *i2ccontroller.Controller satisfies this
// directly; tests substitute a stub that replies without going through a
// real or fake HAL.
type CommController interface {
	Submit(req i2ccontroller.CommRequest, id uint64, reply replyable.Request) bool
}

// Config collects a Driver's dependencies and timing budget. Durations
// fall back to sensible defaults when zero.
type Config struct {
	Name           string
	SlaveAddress   uint8
	QueueSize      int
	LockupTime     time.Duration
	InitLockupTime time.Duration
	BusyTime       time.Duration
	RetryMax       int

	Controller CommController
	// ControllerName, if set alongside StatusBus, subscribes this driver to
	// the named i2ccontroller.Controller's bus-status topic, so a failed
	// bus drops the driver straight to Disabled instead of continuing to
	// submit doomed transactions.
	ControllerName string
	StatusBus      bus.Publisher
	Logger         ao.Logger
	Clock          ao.Clock
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

const (
	defaultQueueSize      = 10
	defaultLockupTime     = 20 * time.Millisecond
	defaultInitLockupTime = 500 * time.Millisecond
	defaultBusyTime       = 100 * time.Millisecond
	defaultRetryMax       = 10
)

// StatusTopic returns the bus topic a device driver named name publishes its
// driverevents.StatusReport values to. Exported so collaborators such as
// apidriver can subscribe without duplicating the naming convention.
func StatusTopic(name string) string {
	return fmt.Sprintf("i2c/%s/status", name)
}

// ErrorTopic returns the bus topic a device driver named name publishes its
// driverevents.GenericError values to.
func ErrorTopic(name string) string {
	return fmt.Sprintf("i2c/%s/error", name)
}

// Driver is the device active object. It embeds *ao.Object, so it satisfies
// replyable.Requester directly: the I2C controller delivers its replies by
// calling Driver.Post, exactly like any other caller.
type Driver struct {
	*ao.Object

	name       string
	slaveAddr  uint8
	logger     ao.Logger
	statusBus  bus.Publisher
	statusTop  string
	errorTop   string
	controller CommController

	lockupTime     time.Duration
	initLockupTime time.Duration
	busyTime       time.Duration
	retryMax       int

	lockupTimer *ao.Timer
	busyTimer   *ao.Timer

	mu           sync.Mutex
	status       driverevents.Status
	lastError    driverevents.ErrorCode
	lastHALError int32

	// In-flight transaction context. Touched only from the dispatch
	// goroutine, mutated only from within event handlers, so no lock
	// guards these.
	transactionID uint64
	retryCount    int
	op            Op
	requester     replyable.Requester
	requestID     uint64
	regAddr       uint8
	data          []byte

	states struct {
		backstop, disabled, starting, errState, enabled, idle, busy, read, write *hsm.State
	}
}

// New constructs a Driver in the Disabled state, having run the Backstop →
// Disabled entry chain (which publishes the initial Disabled status
// report). Call Start to begin processing events.
func New(cfg Config) (*Driver, error) {
	if cfg.Name == "" {
		return nil, ErrMissingName
	}
	if cfg.Controller == nil {
		return nil, ErrMissingController
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	d := &Driver{
		name:           cfg.Name,
		slaveAddr:      cfg.SlaveAddress,
		logger:         logger,
		statusBus:      cfg.StatusBus,
		statusTop:      StatusTopic(cfg.Name),
		errorTop:       ErrorTopic(cfg.Name),
		controller:     cfg.Controller,
		lockupTime:     orDefault(cfg.LockupTime, defaultLockupTime),
		initLockupTime: orDefault(cfg.InitLockupTime, defaultInitLockupTime),
		busyTime:       orDefault(cfg.BusyTime, defaultBusyTime),
		retryMax:       cfg.RetryMax,
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

	if cfg.StatusBus != nil && cfg.ControllerName != "" {
		if sub, ok := cfg.StatusBus.(bus.Subscriber); ok {
			topic := i2ccontroller.BusStatusTopic(cfg.ControllerName)
			if err := sub.Subscribe(topic, i2ccontroller.BusStatusEvent{}, d.onControllerStatus); err != nil {
				return nil, fmt.Errorf("devicedriver: subscribing to controller bus status: %w", err)
			}
		}
	}

	return d, nil
}

// onControllerStatus translates a published i2ccontroller.BusStatusEvent
// into this driver's own event vocabulary and posts it onto its own queue,
// mirroring apidriver's onDeviceStatus: the safety reaction to a failed bus
// runs on the dispatch goroutine like any other event, not from the bus's
// delivery goroutine.
func (d *Driver) onControllerStatus(v any) {
	event, ok := v.(i2ccontroller.BusStatusEvent)
	if !ok {
		return
	}
	if event.Status == i2ccontroller.BusFailed {
		d.Post(hsm.Event{Signal: sigBusFailed})
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Status returns the driver's current status enum, safe to call from any
// goroutine.
func (d *Driver) Status() driverevents.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// LastError returns the most recent error code recorded against an
// in-flight transaction, or "" if none has occurred.
func (d *Driver) LastError() driverevents.ErrorCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastError
}

// LastHALError returns the most recent raw HAL error code, matching
// device_level.c's device_level_get_last_hal_error accessor.
func (d *Driver) LastHALError() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastHALError
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
		d.logger.Warn("publishing device status failed", "ao", d.name, "error", err)
	}
}

func (d *Driver) publishError(code driverevents.ErrorCode, severity driverevents.Severity, extra string) {
	if d.statusBus == nil {
		return
	}
	err := d.statusBus.Publish(d.errorTop, driverevents.GenericError{
		Code:      code,
		AOName:    d.name,
		Severity:  severity,
		Subsystem: "i2c",
		Extra:     extra,
	})
	if err != nil {
		d.logger.Warn("publishing device error failed", "ao", d.name, "error", err)
	}
}

func (d *Driver) onDrop(e hsm.Event, cur *hsm.State) {
	d.logger.Debug("dropping unhandled signal", "ao", d.name, "signal", string(e.Signal), "state", cur.Name)
}

// tryRetry is bounded by retryMax, incrementing the counter and reporting
// true if a retry is still allowed. The caller is responsible for
// re-dispatching on true and failing the operation on false.
func (d *Driver) tryRetry() bool {
	if d.retryCount >= d.retryMax {
		return false
	}
	d.retryCount++
	return true
}

// deliverResponse sends a success reply to the snapshot requester, logging
// a drop if the requester has vanished.
func (d *Driver) deliverResponse() {
	req := replyable.Request{Requester: d.requester, RequestID: d.requestID}
	ok := req.Deliver(hsm.Event{Signal: SigResponse, Payload: Response{
		RequestID: d.requestID,
		Op:        d.op,
		RegAddr:   d.regAddr,
		Data:      d.data,
	}})
	if !ok {
		d.logger.Warn("dropped response, requester vanished", "ao", d.name, "request_id", d.requestID)
	}
}

// deliverErrorReply sends a correlated failure reply to the snapshot
// requester.
func (d *Driver) deliverErrorReply(code driverevents.ErrorCode, halCode int32) {
	req := replyable.Request{Requester: d.requester, RequestID: d.requestID}
	ok := req.Deliver(hsm.Event{Signal: SigErrorReply, Payload: ErrorReply{
		RequestID:    d.requestID,
		Code:         code,
		HALErrorCode: halCode,
	}})
	if !ok {
		d.logger.Warn("dropped error reply, requester vanished", "ao", d.name, "request_id", d.requestID)
	}
}

// failOperation is the common path for an exhausted retry or a fatal HAL
// error: publish for observability, reply to the caller, and clear the
// in-flight context. The caller still has to choose the target state
// (Idle on timeout exhaustion, Error on a hard I2C error).
func (d *Driver) failOperation(code driverevents.ErrorCode, severity driverevents.Severity, halCode int32) {
	d.mu.Lock()
	d.lastError = code
	d.lastHALError = halCode
	d.mu.Unlock()

	d.publishError(code, severity, "")
	d.deliverErrorReply(code, halCode)

	d.requester = nil
	d.requestID = 0
	d.data = nil
}

// armOperation (re)arms the lockup timer for a single I2C transaction and
// self-posts StartRW, used both on Read/Write entry and on a successful
// Retry.
func (d *Driver) armOperation() {
	d.lockupTimer.Arm(d.lockupTime, func() { d.Post(hsm.Event{Signal: sigLockupTimeout}) })
	d.Post(hsm.Event{Signal: sigStartRW})
}

// submitTransaction builds the I2cCommRequest for the current in-flight
// operation and submits it to the controller, tagged with a freshly
// assigned transaction id.
func (d *Driver) submitTransaction() {
	d.transactionID++
	id := d.transactionID

	txn := i2ccontroller.Transaction{UseRegAddr: true, RegAddr: d.regAddr, Buf: d.data}
	if d.op == OpRead {
		txn.Op = i2ccontroller.OpRead
	} else {
		txn.Op = i2ccontroller.OpWrite
	}

	req := i2ccontroller.CommRequest{SlaveAddr: d.slaveAddr, Transactions: []i2ccontroller.Transaction{txn}}
	if !d.controller.Submit(req, id, replyable.Request{Requester: d, RequestID: id}) {
		d.logger.Warn("i2c controller queue full, failing operation", "ao", d.name, "transaction_id", id)
		d.Post(hsm.Event{Signal: i2ccontroller.SigCommError, Payload: i2ccontroller.CommError{ID: id, HALErrorCode: -1, HALErrorMessage: "controller queue full"}})
	}
}
