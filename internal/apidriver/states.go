package apidriver

import (
	"github.com/kestrel-embedded/i2c-hsm/internal/devicedriver"
	"github.com/kestrel-embedded/i2c-hsm/internal/driverevents"
	"github.com/kestrel-embedded/i2c-hsm/internal/hsm"
	"github.com/kestrel-embedded/i2c-hsm/internal/replyable"
)

// buildStates wires the API AO's state tree:
//
//	Backstop
//	├── Disabled
//	├── Starting
//	├── Error
//	└── Enabled
//	    ├── Idle
//	    └── Busy
func (d *Driver) buildStates() {
	s := &d.states

	s.backstop = &hsm.State{Name: "Backstop"}
	s.disabled = &hsm.State{Name: "Disabled", Parent: s.backstop}
	s.starting = &hsm.State{Name: "Starting", Parent: s.backstop}
	s.errState = &hsm.State{Name: "Error", Parent: s.backstop}
	s.enabled = &hsm.State{Name: "Enabled", Parent: s.backstop}
	s.idle = &hsm.State{Name: "Idle", Parent: s.enabled}
	s.busy = &hsm.State{Name: "Busy", Parent: s.enabled}

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
	case SigDebugLevel:
		if lvl, ok := e.Payload.(DebugLevelUpdate); ok {
			d.mu.Lock()
			d.debugLvl = lvl.NewLevel
			d.mu.Unlock()
		}
		return hsm.HandledResult()
	case SigDisable:
		return hsm.TransitionTo(d.states.disabled)
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
		d.logger.Debug("rejecting request, api disabled", "ao", d.name, "signal", string(e.Signal))
		return hsm.HandledResult()
	default:
		return hsm.UnhandledResult()
	}
}

// --- Starting ---------------------------------------------------------------
//
// Starting mirrors the device driver's own boot sequence one layer up: it
// sends the device an Enable and waits for a StatusEnabled report,
// re-sending on a lockup timeout up to the retry budget before giving up.
// The first send (on entry) and every retry both call armInit directly;
// no StartInit or Retry signal is self-posted.

func (d *Driver) enterStarting() {
	d.retryCount = 0
	d.armInit()
}

func (d *Driver) armInit() {
	d.lockupTimer.Arm(d.initLockupTime, func() { d.Post(hsm.Event{Signal: sigLockupTimeout}) })
	d.device.Post(hsm.Event{Signal: devicedriver.SigEnable})
}

func (d *Driver) handleStarting(e hsm.Event) hsm.Result {
	switch e.Signal {
	case sigDeviceReady:
		d.lockupTimer.Disarm()
		return hsm.TransitionTo(d.states.idle)
	case sigDeviceDisabled, sigDeviceErrorReport:
		// The device dropped back to Disabled or Error mid-boot; keep
		// waiting out the lockup timer rather than treating this as fatal.
		return hsm.HandledResult()
	case sigLockupTimeout:
		if d.tryRetry() {
			d.armInit()
			return hsm.HandledResult()
		}
		d.publishError(driverevents.ErrDeviceUnavailable, driverevents.SeverityError)
		return hsm.TransitionTo(d.states.errState)
	default:
		return hsm.UnhandledResult()
	}
}

// --- Error --------------------------------------------------------------

func (d *Driver) enterError() {
	d.setStatus(driverevents.StatusFatalError)
}

func (d *Driver) handleError(e hsm.Event) hsm.Result {
	switch e.Signal {
	case SigEnable:
		return hsm.TransitionTo(d.states.starting)
	case SigRead, SigWrite:
		d.logger.Debug("ignoring request, api in Error", "ao", d.name, "signal", string(e.Signal))
		return hsm.HandledResult()
	default:
		return hsm.UnhandledResult()
	}
}

// --- Enabled (superstate) ------------------------------------------------

func (d *Driver) enterEnabled() {
	d.setStatus(driverevents.StatusEnabled)
}

func (d *Driver) handleEnabled(e hsm.Event) hsm.Result {
	switch e.Signal {
	case SigEnable:
		d.logger.Debug("already enabled", "ao", d.name)
		return hsm.HandledResult()
	case sigDeviceDisabled:
		return hsm.TransitionTo(d.states.disabled)
	case sigDeviceErrorReport:
		d.publishError(driverevents.ErrDeviceUnavailable, driverevents.SeverityError)
		return hsm.TransitionTo(d.states.errState)
	default:
		return hsm.UnhandledResult()
	}
}

// --- Idle -----------------------------------------------------------------

func (d *Driver) enterIdle() {
	d.retryCount = 0
	d.markIdle()
	d.setStatus(driverevents.StatusEnabled)
	d.recallDeferred()
}

func (d *Driver) handleIdle(e hsm.Event) hsm.Result {
	switch e.Signal {
	case SigRead:
		req, ok := e.Payload.(ReadRequest)
		if !ok {
			return hsm.HandledResult()
		}
		d.forward(OpRead, req.Requester, req.RequestID, req.RegAddr, nil, req.Len)
		return hsm.TransitionTo(d.states.busy)
	case SigWrite:
		req, ok := e.Payload.(WriteRequest)
		if !ok {
			return hsm.HandledResult()
		}
		d.forward(OpWrite, req.Requester, req.RequestID, req.RegAddr, req.Data, 0)
		return hsm.TransitionTo(d.states.busy)
	default:
		return hsm.UnhandledResult()
	}
}

// --- Busy -------------------------------------------------------------------

func (d *Driver) enterBusy() {
	d.markBusy()
	d.busyTimer.Arm(d.busyTime, func() { d.Post(hsm.Event{Signal: sigBusyTimeout}) })
}

func (d *Driver) exitBusy() {
	d.busyTimer.Disarm()
}

// handleBusy implements the API layer's deferred-request discipline: a
// client Read/Write arriving while a transaction is already in flight is
// held in the deferred queue rather than answered with a synchronous Busy
// error (the difference from devicedriver's own Busy state, which has no
// deferral mechanism and does answer synchronously).
func (d *Driver) handleBusy(e hsm.Event) hsm.Result {
	switch e.Signal {
	case SigRead, SigWrite:
		if !d.deferred.push(e) {
			d.publishError(driverevents.ErrQueueFull, driverevents.SeverityWarning)
			d.rejectQueueFull(e)
		}
		return hsm.HandledResult()
	case devicedriver.SigResponse:
		resp, ok := e.Payload.(devicedriver.Response)
		if !ok || resp.RequestID != d.inFlightID {
			return hsm.HandledResult()
		}
		d.deliverResponse(resp.RegAddr, resp.Data)
		return hsm.TransitionTo(d.states.idle)
	case devicedriver.SigErrorReply:
		errReply, ok := e.Payload.(devicedriver.ErrorReply)
		if !ok || errReply.RequestID != d.inFlightID {
			return hsm.HandledResult()
		}
		d.deliverErrorReply(errReply.Code)
		return hsm.TransitionTo(d.states.idle)
	case sigBusyTimeout:
		// No synchronous reply goes to the client here: the forwarded
		// request may still be in flight at the device AO. The busy
		// timer is an outer watchdog bounding total time spent in Busy,
		// so on firing we still return to Idle rather than waiting
		// indefinitely for a reply that may never arrive. A late reply
		// is then dropped: Idle has no case for it, and in a later Busy
		// the id check above rejects it.
		d.publishError(driverevents.ErrBusyTimeout, driverevents.SeverityWarning)
		return hsm.TransitionTo(d.states.idle)
	default:
		return hsm.UnhandledResult()
	}
}

// rejectQueueFull answers an arriving request with a synchronous QueueFull
// error when the deferred queue has no room left.
func (d *Driver) rejectQueueFull(e hsm.Event) {
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
	reply.Deliver(hsm.Event{Signal: SigErrorReply, Payload: ErrorReply{RequestID: requestID, Code: driverevents.ErrQueueFull}})
}
