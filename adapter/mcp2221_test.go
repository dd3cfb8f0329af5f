package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/sensornode"
)

// fakeHID answers each written report with the next queued response.
type fakeHID struct {
	requests  [][]byte
	responses [][]byte
	closed    int
}

func (f *fakeHID) Write(p []byte) (int, error) {
	f.requests = append(f.requests, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeHID) Read(p []byte) (int, error) {
	if len(f.responses) == 0 {
		return 0, errors.New("no response queued")
	}
	n := copy(p, f.responses[0])
	f.responses = f.responses[1:]
	return n, nil
}

func (f *fakeHID) Close() error {
	f.closed++
	return nil
}

func report(b ...byte) []byte {
	r := make([]byte, reportSize)
	copy(r, b)
	return r
}

func newTestAdapter(f *fakeHID) *MCP2221 {
	return NewMCP2221(WithResponseWait(0), WithOpener(func(int) (Device, error) {
		return f, nil
	}))
}

func TestMCP2221_WriteToAddr(t *testing.T) {
	f := &fakeHID{responses: [][]byte{report(cmdWriteData, 0x00)}}
	d := newTestAdapter(f)

	require.NoError(t, d.WriteToAddr(context.Background(), 0x70, []byte{0x35, 0x17}))
	require.Len(t, f.requests, 1)
	assert.Equal(t, []byte{cmdWriteData, 0x02, 0x00, 0xE0, 0x35, 0x17}, f.requests[0][:6])
	assert.Equal(t, 1, f.closed)
}

func TestMCP2221_WriteBusy(t *testing.T) {
	f := &fakeHID{responses: [][]byte{report(cmdWriteData, 0x01)}}
	err := newTestAdapter(f).WriteToAddr(context.Background(), 0x40, []byte{0xF5})
	assert.ErrorIs(t, err, sensornode.ErrBusBusy)
}

func TestMCP2221_ReadFromAddr(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected []byte
		err      string
	}{
		{name: "ok", data: report(cmdGetI2CData, 0x00, 0x00, 2, 0x4E, 0x85), expected: []byte{0x4E, 0x85}},
		{name: "engine failure", data: report(cmdGetI2CData, readDataFailure), err: "I2C engine"},
		{name: "size mismatch", data: report(cmdGetI2CData, 0x00, 0x00, 1, 0x4E), err: "expected 2, got 1"},
		{name: "not ready", data: report(cmdGetI2CData, 0x00, 0x00, 127), err: "expected 2, got 127"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeHID{responses: [][]byte{report(cmdReadData, 0x00), tt.data}}
			buf := make([]byte, 2)
			err := newTestAdapter(f).ReadFromAddr(context.Background(), 0x40, buf)
			require.Len(t, f.requests, 2)
			assert.Equal(t, []byte{cmdReadData, 0x02, 0x00, 0x81}, f.requests[0][:4])
			assert.Equal(t, cmdGetI2CData, f.requests[1][0])
			if tt.err != "" {
				assert.ErrorContains(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, buf)
		})
	}
}

func TestMCP2221_Tx(t *testing.T) {
	f := &fakeHID{responses: [][]byte{
		report(cmdWriteData, 0x00),
		report(cmdReadData, 0x00),
		report(cmdGetI2CData, 0x00, 0x00, 2, 0x66, 0x40),
	}}
	buf := make([]byte, 2)
	require.NoError(t, newTestAdapter(f).Tx(0x40, []byte{0xE0}, buf))
	assert.Equal(t, []byte{0x66, 0x40}, buf)
	assert.Len(t, f.requests, 3)
}

func TestMCP2221_Oversized(t *testing.T) {
	d := newTestAdapter(&fakeHID{})
	assert.Error(t, d.WriteToAddr(context.Background(), 0x40, make([]byte, 61)))
	assert.Error(t, d.ReadFromAddr(context.Background(), 0x40, make([]byte, 61)))
}

func TestMCP2221_StatusAndRelease(t *testing.T) {
	status := report(cmdStatus, 0x00)
	status[9], status[10] = 0x06, 0x00
	status[11], status[12] = 0x04, 0x00
	status[14] = 0x76
	status[16], status[17] = 0xE0, 0x00
	f := &fakeHID{responses: [][]byte{status, status}}
	d := newTestAdapter(f)

	s, err := d.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(6), s.LastWriteRequestedSize)
	assert.Equal(t, uint16(4), s.LastWriteSentSize)
	assert.Equal(t, 0x76, s.I2CSpeedDivider)
	assert.Equal(t, "e000", s.CurrentAddress)
	assert.Equal(t, byte(0x00), f.requests[0][2])

	_, err = d.ReleaseBus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, statusCancel, f.requests[1][2])
}

func TestMCP2221_LED(t *testing.T) {
	f := &fakeHID{responses: [][]byte{report(cmdSetGPIO, 0x00), report(cmdSetGPIO, 0x00)}}
	led := newTestAdapter(f).LED(2)

	require.NoError(t, led.Set(true))
	require.NoError(t, led.Set(false))
	// GP2 block starts at byte 10
	assert.Equal(t, []byte{1, 1, 1, byte(GPIOModeOut)}, f.requests[0][10:14])
	assert.Equal(t, []byte{1, 0, 1, byte(GPIOModeOut)}, f.requests[1][10:14])
	assert.Equal(t, []byte{0, 0, 0, 0}, f.requests[0][2:6], "other pins untouched")
}

func TestMCP2221_SetGPIONotAssigned(t *testing.T) {
	resp := report(cmdSetGPIO, 0x00)
	resp[3] = 0xEE
	err := newTestAdapter(&fakeHID{responses: [][]byte{resp}}).SetGPIO(context.Background(), 0, true)
	assert.ErrorIs(t, err, ErrCommandUnsupported)
	assert.Error(t, newTestAdapter(&fakeHID{}).SetGPIO(context.Background(), 4, true))
}

func TestMCP2221_ReadGPIO(t *testing.T) {
	resp := report(cmdGetGPIO, 0x00,
		1, 0x00, // GP0 output high
		0, 0x01, // GP1 input
		0, byte(GPIOModeNoOperation),
		0, byte(GPIOModeNoOperation))
	values, err := newTestAdapter(&fakeHID{responses: [][]byte{resp}}).ReadGPIO(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [4]GPIOMode{GPIOModeOut, GPIOModeIn, GPIOModeNoOperation, GPIOModeNoOperation}, values.Modes)
	assert.Equal(t, byte(1), values.Values[0])
}

func TestMCP2221_OpenError(t *testing.T) {
	d := NewMCP2221(WithOpener(func(int) (Device, error) { return nil, ErrDeviceNotFound }))
	_, err := d.Status(context.Background())
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}
