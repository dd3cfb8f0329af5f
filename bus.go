package sensornode

import (
	"context"
	"errors"
	"fmt"
)

var ErrBusBusy = fmt.Errorf("I2C engine is busy (command not completed)")

// ErrProtocolViolation marks an interrupt cause delivered in a state that cannot accept it.
// Correct hardware and correct adapters never produce one; the affected bus halts.
var ErrProtocolViolation = errors.New("bus protocol violation")

// ErrReservationUnderflow is returned when a sleep mode is unblocked more times than it was blocked.
var ErrReservationUnderflow = errors.New("energy mode reservation underflow")

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

type I2CBus interface {
	AddressableReader
	AddressableWriter
}

// Transactor performs a complete write-then-read exchange with a single device.
// Either w or r may be empty. periph.io i2c.Bus satisfies it directly.
type Transactor interface {
	Tx(addr uint16, w, r []byte) error
}

// TransactorFunc adapts a plain function to Transactor.
type TransactorFunc func(addr uint16, w, r []byte) error

func (f TransactorFunc) Tx(addr uint16, w, r []byte) error {
	return f(addr, w, r)
}

// BusTransactor turns a split write/read bus (such as a USB bridge) into a Transactor.
// The write and read halves are issued as two separate bus transactions.
func BusTransactor(ctx context.Context, bus I2CBus) Transactor {
	return TransactorFunc(func(addr uint16, w, r []byte) error {
		if addr > 0x7F {
			return fmt.Errorf("address %#x does not fit 7 bits", addr)
		}
		if len(w) > 0 {
			if err := bus.WriteToAddr(ctx, byte(addr), w); err != nil {
				return err
			}
		}
		if len(r) > 0 {
			if err := bus.ReadFromAddr(ctx, byte(addr), r); err != nil {
				return err
			}
		}
		return nil
	})
}
