package i2chal

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// PeriphBus is a Bus backed by periph.io, grounded in the same host.Init →
// i2creg.Open → Tx sequence mklimuk-sensors' i2c.GenericBus uses.
type PeriphBus struct {
	bus i2c.BusCloser
}

// Open initialises the host's I2C drivers and opens dev (e.g. "/dev/i2c-1",
// or "" for the first bus periph.io finds).
func Open(dev string) (*PeriphBus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("initializing host drivers: %w", err)
	}
	b, err := i2creg.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("opening i2c bus %q: %w", dev, err)
	}
	return &PeriphBus{bus: b}, nil
}

// Transact implements Bus.
func (p *PeriphBus) Transact(ctx context.Context, slaveAddr uint8, useRegAddr bool, regAddr uint8, tx, rx []byte) error {
	w := tx
	if useRegAddr {
		w = make([]byte, 0, len(tx)+1)
		w = append(w, regAddr)
		w = append(w, tx...)
	}
	if err := p.bus.Tx(uint16(slaveAddr), w, rx); err != nil {
		return fmt.Errorf("i2c transaction with slave 0x%02x: %w", slaveAddr, err)
	}
	return nil
}

// Close releases the underlying bus handle.
func (p *PeriphBus) Close() error {
	return p.bus.Close()
}
