// Package i2ccontroller implements the I2C controller AO: a collaborator of
// the device driver, a single active object that serialises access to one
// i2chal.Bus so two device drivers sharing a physical bus never interleave
// transactions.
package i2ccontroller

import "github.com/kestrel-embedded/i2c-hsm/internal/hsm"

// Signals a device driver exchanges with the controller.
const (
	SigCommComplete hsm.Signal = "I2C_COMM_COMPLETE"
	SigCommError    hsm.Signal = "I2C_COMM_ERROR"
	SigBusStatus    hsm.Signal = "I2C_BUS_STATUS"
)

// Operation distinguishes a register read from a register write within a
// single Transaction.
type Operation int

const (
	OpWrite Operation = iota
	OpRead
)

// Transaction is one register-addressed phase of an I2C comm request
// (device_level.c's device_level_i2c_comm_req builds one or two of these per
// request: a write phase to set the register pointer, then a read phase).
type Transaction struct {
	Op         Operation
	UseRegAddr bool
	RegAddr    uint8
	Buf        []byte
}

// CommRequest is the replyable request a device driver posts to submit one
// or more Transactions against SlaveAddr, in order, as a single unit.
type CommRequest struct {
	SlaveAddr    uint8
	Transactions []Transaction
}

// CommComplete is the success reply. ID echoes the id the caller passed to
// Submit, for correlation against the caller's own transaction id.
type CommComplete struct {
	ID uint64
}

// CommError is the failure reply. HALErrorCode is whatever the underlying
// i2chal.Bus implementation reported; device_level.c forwards this
// unmodified into its own LastHALError accessor.
type CommError struct {
	ID              uint64
	HALErrorCode    int32
	HALErrorMessage string
}

// BusStatus describes whether the controller's underlying bus is usable.
type BusStatus int

const (
	BusUnknown BusStatus = iota
	BusReady
	BusFailed
)

// BusStatusEvent is what the controller publishes on its status topic.
type BusStatusEvent struct {
	Status BusStatus
}
