package environment

import (
	"context"
	"fmt"

	"github.com/mklimuk/sensornode/i2c"
	"github.com/mklimuk/sensornode/scheduler"
)

// SHTC3 I2C address (7-bit)
const SHTC3Address = 0x70

// Commands (Big Endian on the wire)
const (
	SHTC3CmdWake  uint16 = 0x3517
	SHTC3CmdSleep uint16 = 0xB098

	// Normal power, clock stretching disabled
	// Measure T first, then RH
	SHTC3CmdMeasure uint16 = 0x7866
)

// SHTC3 represents Sensirion SHTC3 Temperature/Humidity sensor.
// Measure queues the whole wake, measure and sleep cycle; the event fires
// when the measurement data is in.
//
//	s := NewSHTC3(engine, i2c.Bus1)
//	err := s.Measure(ctx, evSHTC3)
//	// ... evSHTC3 delivered
//	t, h, err := s.Decode()
type SHTC3 struct {
	engine Submitter
	bus    i2c.BusID
	data   uint64
}

func NewSHTC3(engine Submitter, bus i2c.BusID) *SHTC3 {
	return &SHTC3{engine: engine, bus: bus}
}

func (s *SHTC3) Measure(ctx context.Context, ev scheduler.Event) error {
	if err := s.writeCmd(ctx, SHTC3CmdWake); err != nil {
		return fmt.Errorf("shtc3: wake failed: %w", err)
	}
	// Read 6 bytes: T, CRC, RH, CRC
	err := s.engine.Submit(ctx, s.bus, i2c.Request{
		Address:    SHTC3Address,
		Direction:  i2c.Read,
		Command:    uint32(SHTC3CmdMeasure),
		CommandLen: 2,
		Buffer:     &s.data,
		Length:     6,
		Event:      ev,
	})
	if err != nil {
		return fmt.Errorf("shtc3: measure command failed: %w", err)
	}
	// Go back to sleep to save power
	if err := s.writeCmd(ctx, SHTC3CmdSleep); err != nil {
		return fmt.Errorf("shtc3: sleep failed: %w", err)
	}
	return nil
}

// Decode verifies both checksums of the last measurement and returns
// temperature in Celsius and relative humidity in %RH.
func (s *SHTC3) Decode() (float32, float32, error) {
	return decodeSHTC3(s.data)
}

func (s *SHTC3) writeCmd(ctx context.Context, cmd uint16) error {
	return s.engine.Submit(ctx, s.bus, i2c.Request{
		Address:    SHTC3Address,
		Direction:  i2c.Write,
		Command:    uint32(cmd),
		CommandLen: 2,
	})
}

func decodeSHTC3(data uint64) (float32, float32, error) {
	tw := []byte{byte(data >> 40), byte(data >> 32)}
	hw := []byte{byte(data >> 16), byte(data >> 8)}
	if CRC8(tw) != byte(data>>24) {
		return 0, 0, fmt.Errorf("shtc3: temperature %w", ErrCRCMismatch)
	}
	if CRC8(hw) != byte(data) {
		return 0, 0, fmt.Errorf("shtc3: humidity %w", ErrCRCMismatch)
	}
	rawT := uint16(data >> 32)
	rawRH := uint16(data >> 8)

	// Conversion formulas from datasheet
	// T(C) = -45 + 175 * rawT / 65535
	// RH(%) = 100 * rawRH / 65535
	temp := -45.0 + (175.0 * float32(rawT) / 65535.0)
	hum := 100.0 * float32(rawRH) / 65535.0
	return temp, hum, nil
}

// Fahrenheit converts a Celsius reading.
func Fahrenheit(celsius float32) float32 {
	return celsius*1.8 + 32
}
