package environment

import (
	"context"
	"fmt"
	"math"

	"github.com/mklimuk/sensornode/i2c"
	"github.com/mklimuk/sensornode/scheduler"
)

const Si7021Address = 0x40

const (
	// measure relative humidity, no hold master mode
	Si7021CmdMeasureRH byte = 0xF5
	// read the temperature taken during the previous RH measurement
	Si7021CmdReadTemp byte = 0xE0
)

// Si7021 represents Silicon Labs Si7021 humidity/temperature sensor.
// Measurements complete asynchronously: the caller waits for the event it
// passed before calling Humidity or Temperature.
//
//	s := NewSi7021(engine, i2c.Bus0)
//	err := s.MeasureHumidity(ctx, evHumidity)
//	// ... evHumidity delivered
//	rh := s.Humidity()
type Si7021 struct {
	engine Submitter
	bus    i2c.BusID
	rh     uint64
	temp   uint64
}

func NewSi7021(engine Submitter, bus i2c.BusID) *Si7021 {
	return &Si7021{engine: engine, bus: bus}
}

// MeasureHumidity triggers a humidity measurement and reads its result.
func (s *Si7021) MeasureHumidity(ctx context.Context, ev scheduler.Event) error {
	err := s.engine.Submit(ctx, s.bus, i2c.Request{
		Address:    Si7021Address,
		Direction:  i2c.Read,
		Command:    uint32(Si7021CmdMeasureRH),
		CommandLen: 1,
		Buffer:     &s.rh,
		Length:     2,
		Event:      ev,
	})
	if err != nil {
		return fmt.Errorf("si7021: humidity measurement failed: %w", err)
	}
	return nil
}

// ReadTemperature reads the temperature of the last humidity measurement.
func (s *Si7021) ReadTemperature(ctx context.Context, ev scheduler.Event) error {
	err := s.engine.Submit(ctx, s.bus, i2c.Request{
		Address:    Si7021Address,
		Direction:  i2c.Read,
		Command:    uint32(Si7021CmdReadTemp),
		CommandLen: 1,
		Buffer:     &s.temp,
		Length:     2,
		Event:      ev,
	})
	if err != nil {
		return fmt.Errorf("si7021: temperature read failed: %w", err)
	}
	return nil
}

// Humidity returns the relative humidity in %RH.
func (s *Si7021) Humidity() float32 {
	return convertSi7021Humidity(uint16(s.rh))
}

// Temperature returns the temperature in Celsius.
func (s *Si7021) Temperature() float32 {
	return convertSi7021Temperature(uint16(s.temp))
}

// TemperatureRounded returns the temperature rounded half away from zero.
func (s *Si7021) TemperatureRounded() int {
	return int(math.Round(float64(s.Temperature())))
}

func convertSi7021Humidity(raw uint16) float32 {
	return 125.0*float32(raw)/65536.0 - 6.0
}

func convertSi7021Temperature(raw uint16) float32 {
	return 175.72*float32(raw)/65536.0 - 46.85
}
