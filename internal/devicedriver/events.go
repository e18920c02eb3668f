package devicedriver

import (
	"github.com/kestrel-embedded/i2c-hsm/internal/driverevents"
	"github.com/kestrel-embedded/i2c-hsm/internal/hsm"
	"github.com/kestrel-embedded/i2c-hsm/internal/replyable"
)

// Signals accepted from outside this package.
const (
	SigEnable        hsm.Signal = "Enable"
	SigDisable       hsm.Signal = "Disable"
	SigRead          hsm.Signal = "Read"
	SigWrite         hsm.Signal = "Write"
	SigRequestStatus hsm.Signal = "RequestStatus"
	SigStop          hsm.Signal = "Stop"
)

// Signals delivered to a requester as a reply, never sent by a client.
const (
	SigResponse    hsm.Signal = "Response"
	SigErrorReply  hsm.Signal = "ErrorReply"
	SigStatusReply hsm.Signal = "StatusReply"
)

// Self-posted action signals, never sent by a client.
const (
	sigEnterIdle     hsm.Signal = "internal.EnterIdle"
	sigStartRW       hsm.Signal = "internal.StartRW"
	sigRetry         hsm.Signal = "internal.Retry"
	sigLockupTimeout hsm.Signal = "internal.LockupTimeout"
	sigBusyTimeout   hsm.Signal = "internal.BusyTimeout"
	sigBusFailed     hsm.Signal = "internal.BusFailed"
)

// Op distinguishes a register read from a register write operation.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "Write"
	}
	return "Read"
}

// ReadRequest is the SigRead payload: read Len bytes starting at RegAddr,
// replying to Requester with the original RequestID echoed back.
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

// Response is the success reply delivered to the original requester.
type Response struct {
	RequestID uint64
	Op        Op
	RegAddr   uint8
	Data      []byte
}

// ErrorReply is the correlated failure reply delivered to the original
// requester. Every client request eventually produces either a Response or
// an ErrorReply.
type ErrorReply struct {
	RequestID    uint64
	Code         driverevents.ErrorCode
	HALErrorCode int32
}
