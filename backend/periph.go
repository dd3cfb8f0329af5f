// Package backend connects emulated buses to real I2C hardware. Every backend
// is a sensornode.Transactor that an emu.Bridge forwards transactions to.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/mklimuk/sensornode"
)

var _ sensornode.I2CBus = &PeriphBus{}
var _ sensornode.Transactor = &PeriphBus{}

// PeriphBus is a Linux host bus (/dev/i2c-N) opened through periph.io.
type PeriphBus struct {
	bus i2c.BusCloser
}

// OpenPeriph opens the named bus ("" for the first one found) and sets its
// clock when freq is non-zero.
func OpenPeriph(dev string, freq uint32) (*PeriphBus, error) {
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		slog.Debug("host driver loaded", "driver", driver.String())
	}
	bus, err := i2creg.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("could not open i2c bus %q: %w", dev, err)
	}
	if freq > 0 {
		if err := bus.SetSpeed(physic.Frequency(freq) * physic.Hertz); err != nil {
			_ = bus.Close()
			return nil, fmt.Errorf("could not set i2c bus %q speed to %d Hz: %w", dev, freq, err)
		}
	}
	return &PeriphBus{bus: bus}, nil
}

func (b *PeriphBus) Tx(addr uint16, w, r []byte) error {
	if err := b.bus.Tx(addr, w, r); err != nil {
		return fmt.Errorf("i2c transaction with %#x failed: %w", addr, err)
	}
	return nil
}

func (b *PeriphBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	err := b.bus.Tx(uint16(address), nil, buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	return nil
}

func (b *PeriphBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	err := b.bus.Tx(uint16(address), buffer, nil)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	return nil
}

func (b *PeriphBus) Release(ctx context.Context) error {
	return nil
}

func (b *PeriphBus) String() string {
	return b.bus.String()
}

func (b *PeriphBus) Close() error {
	return b.bus.Close()
}
