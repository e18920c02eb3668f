package apidriver

import (
	"github.com/kestrel-embedded/i2c-hsm/internal/driverevents"
	"github.com/kestrel-embedded/i2c-hsm/internal/hsm"
	"github.com/kestrel-embedded/i2c-hsm/internal/replyable"
)

// Signals accepted from clients.
const (
	SigEnable        hsm.Signal = "Enable"
	SigDisable       hsm.Signal = "Disable"
	SigRequestStatus hsm.Signal = "RequestStatus"
	SigDebugLevel    hsm.Signal = "DebugLevel"
	SigRead          hsm.Signal = "Read"
	SigWrite         hsm.Signal = "Write"
)

// Signals delivered to a client as a reply.
const (
	SigResponse    hsm.Signal = "Response"
	SigErrorReply  hsm.Signal = "ErrorReply"
	SigStatusReply hsm.Signal = "StatusReply"
)

// Self-posted action signals and device-status translations, never sent by
// a client.
const (
	sigStartInit         hsm.Signal = "internal.StartInit"
	sigRetry             hsm.Signal = "internal.Retry"
	sigLockupTimeout     hsm.Signal = "internal.LockupTimeout"
	sigBusyTimeout       hsm.Signal = "internal.BusyTimeout"
	sigDeviceReady       hsm.Signal = "internal.DeviceReadyReport"
	sigDeviceDisabled    hsm.Signal = "internal.DeviceDisableReport"
	sigDeviceErrorReport hsm.Signal = "internal.DeviceErrorReport"
)

// Op distinguishes a register read from a register write operation.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// ReadRequest is the SigRead payload a client posts to the API driver.
type ReadRequest struct {
	Requester replyable.Requester
	RequestID uint64
	RegAddr   uint8
	Len       int
}

// WriteRequest is the SigWrite payload.
type WriteRequest struct {
	Requester replyable.Requester
	RequestID uint64
	RegAddr   uint8
	Data      []byte
}

// StatusRequest is the SigRequestStatus payload.
type StatusRequest struct {
	Requester replyable.Requester
	RequestID uint64
}

// StatusReply answers a StatusRequest.
type StatusReply struct {
	RequestID uint64
	Status    driverevents.Status
}

// DebugLevelUpdate is the SigDebugLevel payload.
type DebugLevelUpdate struct {
	NewLevel int
}

// Response is the success reply delivered to the original client.
type Response struct {
	RequestID uint64
	Op        Op
	RegAddr   uint8
	Data      []byte
}

// ErrorReply is the correlated failure reply delivered to the original
// client.
type ErrorReply struct {
	RequestID uint64
	Code      driverevents.ErrorCode
}
