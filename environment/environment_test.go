package environment

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/sensornode/i2c"
	"github.com/mklimuk/sensornode/scheduler"
)

// MockSubmitter is a mock implementation of Submitter using testify/mock.
// Reads are completed synchronously with the configured payload.
type MockSubmitter struct {
	mock.Mock
	payload map[uint32]uint64
}

func (m *MockSubmitter) Submit(ctx context.Context, id i2c.BusID, req i2c.Request) error {
	args := m.Called(ctx, id, req)
	if err := args.Error(0); err != nil {
		return err
	}
	if req.Direction == i2c.Read {
		*req.Buffer = m.payload[req.Command]
	}
	return nil
}

func matchRequest(addr byte, dir i2c.Direction, cmd uint32, length int) interface{} {
	return mock.MatchedBy(func(req i2c.Request) bool {
		return req.Address == addr && req.Direction == dir && req.Command == cmd && req.Length == length
	})
}

func TestCRC8(t *testing.T) {
	tests := []struct {
		given    []byte
		expected byte
	}{
		// datasheet example
		{[]byte{0xBE, 0xEF}, 0x92},
		{[]byte{0x00, 0x00}, 0x81},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%x", test.given), func(t *testing.T) {
			assert.Equal(t, test.expected, CRC8(test.given))
		})
	}
}

func TestSi7021_ConvertHum(t *testing.T) {
	tests := []struct {
		given    uint16
		expected float32
	}{
		{0x0000, -6.0},
		{0x8000, 56.5},
		{0x4E85, 32.3396},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%#x", test.given), func(t *testing.T) {
			assert.InDelta(t, test.expected, convertSi7021Humidity(test.given), 0.001)
		})
	}
}

func TestSi7021_ConvertTemp(t *testing.T) {
	tests := []struct {
		given    uint16
		expected float32
	}{
		{0x0000, -46.85},
		{0x8000, 41.01},
		{0x6640, 23.335},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%#x", test.given), func(t *testing.T) {
			assert.InDelta(t, test.expected, convertSi7021Temperature(test.given), 0.001)
		})
	}
}

func TestSi7021_Measure(t *testing.T) {
	sub := &MockSubmitter{payload: map[uint32]uint64{
		uint32(Si7021CmdMeasureRH): 0x4E85,
		uint32(Si7021CmdReadTemp):  0x6640,
	}}
	ctx := context.Background()
	sub.On("Submit", ctx, i2c.Bus0, matchRequest(Si7021Address, i2c.Read, 0xF5, 2)).Return(nil).Once()
	sub.On("Submit", ctx, i2c.Bus0, matchRequest(Si7021Address, i2c.Read, 0xE0, 2)).Return(nil).Once()

	s := NewSi7021(sub, i2c.Bus0)
	require.NoError(t, s.MeasureHumidity(ctx, 0x20))
	require.NoError(t, s.ReadTemperature(ctx, 0x80))
	sub.AssertExpectations(t)

	assert.InDelta(t, 32.3396, s.Humidity(), 0.001)
	assert.InDelta(t, 23.335, s.Temperature(), 0.01)
	assert.Equal(t, 23, s.TemperatureRounded())

	req := sub.Calls[0].Arguments.Get(2).(i2c.Request)
	assert.Equal(t, scheduler.Event(0x20), req.Event)
	assert.Equal(t, 1, req.CommandLen)
}

func TestSi7021_TemperatureRoundsAwayFromZero(t *testing.T) {
	s := &Si7021{}
	s.temp = 17287 // -0.499
	assert.Equal(t, 0, s.TemperatureRounded())
	s.temp = 17280 // -0.517
	assert.Equal(t, -1, s.TemperatureRounded())
}

func TestSi7021_SubmitError(t *testing.T) {
	sub := &MockSubmitter{}
	sub.On("Submit", mock.Anything, i2c.Bus0, mock.Anything).Return(i2c.ErrBusHalted)
	s := NewSi7021(sub, i2c.Bus0)
	err := s.MeasureHumidity(context.Background(), 0x20)
	assert.ErrorIs(t, err, i2c.ErrBusHalted)
}

func shtc3Frame(rawT, rawRH uint16) uint64 {
	t := []byte{byte(rawT >> 8), byte(rawT)}
	h := []byte{byte(rawRH >> 8), byte(rawRH)}
	return uint64(rawT)<<32 | uint64(CRC8(t))<<24 | uint64(rawRH)<<8 | uint64(CRC8(h))
}

func TestSHTC3_Measure(t *testing.T) {
	sub := &MockSubmitter{payload: map[uint32]uint64{
		uint32(SHTC3CmdMeasure): shtc3Frame(0x661B, 0x5C3A),
	}}
	ctx := context.Background()
	wake := sub.On("Submit", ctx, i2c.Bus1, matchRequest(SHTC3Address, i2c.Write, 0x3517, 0)).Return(nil).Once()
	read := sub.On("Submit", ctx, i2c.Bus1, matchRequest(SHTC3Address, i2c.Read, 0x7866, 6)).Return(nil).Once().NotBefore(wake)
	sub.On("Submit", ctx, i2c.Bus1, matchRequest(SHTC3Address, i2c.Write, 0xB098, 0)).Return(nil).Once().NotBefore(read)

	s := NewSHTC3(sub, i2c.Bus1)
	require.NoError(t, s.Measure(ctx, 0x100))
	sub.AssertExpectations(t)

	temp, hum, err := s.Decode()
	require.NoError(t, err)
	assert.InDelta(t, 24.80, temp, 0.01)
	assert.InDelta(t, 36.03, hum, 0.01)
	assert.InDelta(t, 76.64, Fahrenheit(temp), 0.05)
}

func TestSHTC3_MeasureStopsOnWakeFailure(t *testing.T) {
	sub := &MockSubmitter{}
	sub.On("Submit", mock.Anything, i2c.Bus1, mock.Anything).Return(errors.New("bus gone")).Once()
	s := NewSHTC3(sub, i2c.Bus1)
	err := s.Measure(context.Background(), 0x100)
	assert.ErrorContains(t, err, "wake failed")
	sub.AssertNumberOfCalls(t, "Submit", 1)
}

func TestSHTC3_Decode(t *testing.T) {
	good := shtc3Frame(0x0000, 0xFFFF)
	tests := []struct {
		name  string
		given uint64
		temp  float32
		hum   float32
		err   string
	}{
		{"limits", good, -45, 100, ""},
		{"temperature crc", good ^ 1<<24, 0, 0, "temperature crc mismatch"},
		{"humidity crc", good ^ 1, 0, 0, "humidity crc mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			temp, hum, err := decodeSHTC3(tt.given)
			if tt.err != "" {
				assert.ErrorIs(t, err, ErrCRCMismatch)
				assert.ErrorContains(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.temp, temp, 0.001)
			assert.InDelta(t, tt.hum, hum, 0.001)
		})
	}
}
