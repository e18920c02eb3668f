// Package i2chal defines the hardware-abstraction boundary beneath the I2C
// controller AO: one narrow interface a real bus and a fake bus both
// satisfy, so the controller never imports a driver library directly.
package i2chal

import (
	"context"
	"fmt"
)

// Bus performs a single I2C transaction against slaveAddr. When useRegAddr
// is true, regAddr is sent as the first byte of the write phase (the common
// "register address then data" framing device_level.c builds its requests
// around). tx is the write payload (nil/empty for a pure read); rx is filled
// with the read payload (nil/empty for a pure write).
type Bus interface {
	Transact(ctx context.Context, slaveAddr uint8, useRegAddr bool, regAddr uint8, tx, rx []byte) error
	Close() error
}

// HALError is the structured form of a transaction failure. device_level.c
// threads a raw HAL error code through to its LastHALError accessor
// unmodified; implementations of Bus should wrap failures in a HALError so
// that code survives the trip through the controller and the device driver.
type HALError struct {
	Code    int32
	Message string
}

func (e *HALError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("hal error 0x%02x: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("hal error 0x%02x", e.Code)
}
