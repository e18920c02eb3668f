package devicedriver

import (
	"github.com/kestrel-embedded/i2c-hsm/internal/driverevents"
	"github.com/kestrel-embedded/i2c-hsm/internal/hsm"
	"github.com/kestrel-embedded/i2c-hsm/internal/i2ccontroller"
	"github.com/kestrel-embedded/i2c-hsm/internal/replyable"
)

// buildStates wires the device AO's state tree:
//
//	Backstop
//	├── Disabled
//	├── Starting
//	├── Error
//	└── Enabled
//	    ├── Idle
//	    └── Busy
//	        ├── Read
//	        └── Write
func (d *Driver) buildStates() {
	s := &d.states

	s.backstop = &hsm.State{Name: "Backstop"}
	s.disabled = &hsm.State{Name: "Disabled", Parent: s.backstop}
	s.starting = &hsm.State{Name: "Starting", Parent: s.backstop}
	s.errState = &hsm.State{Name: "Error", Parent: s.backstop}
	s.enabled = &hsm.State{Name: "Enabled", Parent: s.backstop}
	s.idle = &hsm.State{Name: "Idle", Parent: s.enabled}
	s.busy = &hsm.State{Name: "Busy", Parent: s.enabled}
	s.read = &hsm.State{Name: "Read", Parent: s.busy}
	s.write = &hsm.State{Name: "Write", Parent: s.busy}

	s.backstop.Handle = d.handleBackstop

	s.disabled.Entry = d.enterDisabled
	s.disabled.Handle = d.handleDisabled

	s.starting.Entry = d.enterStarting
	s.starting.Handle = d.handleStarting

	s.errState.Entry = d.enterError
	s.errState.Handle = d.handleError

	s.enabled.Entry = d.enterEnabled
	s.enabled.Handle = d.handleEnabled

	s.idle.Entry = d.enterIdle
	s.idle.Handle = d.handleIdle

	s.busy.Entry = d.enterBusy
	s.busy.Exit = d.exitBusy
	s.busy.Handle = d.handleBusy

	s.read.Entry = d.enterRW
	s.read.Exit = d.exitRW
	s.read.Handle = d.handleRW

	s.write.Entry = d.enterRW
	s.write.Exit = d.exitRW
	s.write.Handle = d.handleRW
}

// --- Backstop ---------------------------------------------------------

func (d *Driver) handleBackstop(e hsm.Event) hsm.Result {
	switch e.Signal {
	case SigRequestStatus:
		req, ok := e.Payload.(StatusRequest)
		if !ok {
			return hsm.HandledResult()
		}
		reply := replyable.Request{Requester: req.Requester, RequestID: req.RequestID}
		reply.Deliver(hsm.Event{Signal: SigStatusReply, Payload: StatusReply{RequestID: req.RequestID, Status: d.Status()}})
		return hsm.HandledResult()
	case SigDisable:
		return hsm.TransitionTo(d.states.disabled)
	case sigBusFailed:
		d.logger.Warn("i2c bus reported failed, dropping to disabled", "ao", d.name)
		return hsm.TransitionTo(d.states.disabled)
	case SigStop:
		d.logger.Info("stopping", "ao", d.name)
		d.Stop()
		return hsm.HandledResult()
	default:
		return hsm.UnhandledResult()
	}
}

// --- Disabled -----------------------------------------------------------

func (d *Driver) enterDisabled() {
	d.setStatus(driverevents.StatusDisabled)
}

func (d *Driver) handleDisabled(e hsm.Event) hsm.Result {
	switch e.Signal {
	case SigEnable:
		return hsm.TransitionTo(d.states.starting)
	case SigDisable:
		d.logger.Debug("already disabled", "ao", d.name)
		return hsm.HandledResult()
	case SigRead, SigWrite:
		d.logger.Debug("rejecting request, device disabled", "ao", d.name, "signal", string(e.Signal))
		return hsm.HandledResult()
	default:
		return hsm.UnhandledResult()
	}
}

// --- Starting -------------------------------------------------------------

func (d *Driver) enterStarting() {
	d.retryCount = 0
	d.armInitLockup()
}

func (d *Driver) armInitLockup() {
	d.lockupTimer.Arm(d.initLockupTime, func() { d.Post(hsm.Event{Signal: sigLockupTimeout}) })
	d.Post(hsm.Event{Signal: sigEnterIdle})
}

func (d *Driver) handleStarting(e hsm.Event) hsm.Result {
	switch e.Signal {
	case sigEnterIdle:
		d.lockupTimer.Disarm()
		return hsm.TransitionTo(d.states.idle)
	case sigLockupTimeout:
		if d.tryRetry() {
			d.armInitLockup()
			return hsm.HandledResult()
		}
		d.failOperation(driverevents.ErrI2cTimeout, driverevents.SeverityError, -1)
		return hsm.TransitionTo(d.states.errState)
	default:
		return hsm.UnhandledResult()
	}
}

// --- Error ----------------------------------------------------------------

func (d *Driver) enterError() {
	d.setStatus(driverevents.StatusFatalError)
}

func (d *Driver) handleError(e hsm.Event) hsm.Result {
	switch e.Signal {
	case SigEnable:
		return hsm.TransitionTo(d.states.starting)
	case SigRead, SigWrite:
		d.logger.Debug("ignoring request, device in Error", "ao", d.name, "signal", string(e.Signal))
		return hsm.HandledResult()
	default:
		return hsm.UnhandledResult()
	}
}

// --- Enabled (superstate) --------------------------------------------------

func (d *Driver) enterEnabled() {
	d.setStatus(driverevents.StatusEnabled)
}

func (d *Driver) handleEnabled(e hsm.Event) hsm.Result {
	if e.Signal == SigEnable {
		d.logger.Debug("already enabled", "ao", d.name)
		return hsm.HandledResult()
	}
	return hsm.UnhandledResult()
}

// --- Idle -------------------------------------------------------------------

// enterIdle's setStatus call only publishes a StatusReport when the status
// actually changes, so it is a no-op on every Busy->Idle transition; the
// one real announcement happens from enterEnabled when the device first
// becomes enabled.
func (d *Driver) enterIdle() {
	d.transactionID = 0
	d.retryCount = 0
	d.setStatus(driverevents.StatusEnabled)
}

func (d *Driver) handleIdle(e hsm.Event) hsm.Result {
	switch e.Signal {
	case SigRead:
		req, ok := e.Payload.(ReadRequest)
		if !ok {
			return hsm.HandledResult()
		}
		d.op = OpRead
		d.requester = req.Requester
		d.requestID = req.RequestID
		d.regAddr = req.RegAddr
		d.data = make([]byte, req.Len)
		return hsm.TransitionTo(d.states.read)
	case SigWrite:
		req, ok := e.Payload.(WriteRequest)
		if !ok {
			return hsm.HandledResult()
		}
		d.op = OpWrite
		d.requester = req.Requester
		d.requestID = req.RequestID
		d.regAddr = req.RegAddr
		d.data = req.Data
		return hsm.TransitionTo(d.states.write)
	default:
		return hsm.UnhandledResult()
	}
}

// --- Busy (superstate of Read/Write) ---------------------------------------

func (d *Driver) enterBusy() {
	d.busyTimer.Arm(d.busyTime, func() { d.Post(hsm.Event{Signal: sigBusyTimeout}) })
}

func (d *Driver) exitBusy() {
	d.busyTimer.Disarm()
}

func (d *Driver) handleBusy(e hsm.Event) hsm.Result {
	switch e.Signal {
	case SigRead, SigWrite:
		d.rejectBusy(e)
		return hsm.HandledResult()
	case sigBusyTimeout:
		if d.tryRetry() {
			d.armOperation()
			return hsm.HandledResult()
		}
		d.failOperation(driverevents.ErrBusyTimeout, driverevents.SeverityError, -1)
		return hsm.TransitionTo(d.states.idle)
	default:
		return hsm.UnhandledResult()
	}
}

// rejectBusy answers an arriving Read/Write with a synchronous Busy error —
// the API AO is expected to defer instead of letting a request reach the
// device AO here, so this path is a protocol violation.
func (d *Driver) rejectBusy(e hsm.Event) {
	var requester replyable.Requester
	var requestID uint64
	switch e.Signal {
	case SigRead:
		if req, ok := e.Payload.(ReadRequest); ok {
			requester, requestID = req.Requester, req.RequestID
		}
	case SigWrite:
		if req, ok := e.Payload.(WriteRequest); ok {
			requester, requestID = req.Requester, req.RequestID
		}
	}
	reply := replyable.Request{Requester: requester, RequestID: requestID}
	reply.Deliver(hsm.Event{Signal: SigErrorReply, Payload: ErrorReply{RequestID: requestID, Code: driverevents.ErrBusy}})
}

// --- Read / Write -----------------------------------------------------------

func (d *Driver) enterRW() {
	d.armOperation()
}

func (d *Driver) exitRW() {
	d.lockupTimer.Disarm()
}

func (d *Driver) handleRW(e hsm.Event) hsm.Result {
	switch e.Signal {
	case sigStartRW:
		d.submitTransaction()
		return hsm.HandledResult()
	case sigRetry:
		d.armOperation()
		return hsm.HandledResult()
	case i2ccontroller.SigCommComplete:
		complete, ok := e.Payload.(i2ccontroller.CommComplete)
		if !ok || complete.ID != d.transactionID {
			d.publishError(driverevents.ErrMismatchRespId, driverevents.SeverityWarning, "")
			return hsm.HandledResult()
		}
		d.deliverResponse()
		return hsm.TransitionTo(d.states.idle)
	case i2ccontroller.SigCommError:
		commErr, ok := e.Payload.(i2ccontroller.CommError)
		if !ok || commErr.ID != d.transactionID {
			d.publishError(driverevents.ErrMismatchRespId, driverevents.SeverityWarning, "")
			return hsm.HandledResult()
		}
		d.failOperation(driverevents.ErrI2cError, driverevents.SeverityError, commErr.HALErrorCode)
		return hsm.TransitionTo(d.states.errState)
	case sigLockupTimeout:
		if d.tryRetry() {
			d.Post(hsm.Event{Signal: sigRetry})
			return hsm.HandledResult()
		}
		d.failOperation(driverevents.ErrI2cTimeout, driverevents.SeverityError, -1)
		return hsm.TransitionTo(d.states.idle)
	default:
		return hsm.UnhandledResult()
	}
}
