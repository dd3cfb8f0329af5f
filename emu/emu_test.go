package emu

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/energy"
	"github.com/mklimuk/sensornode/environment"
	"github.com/mklimuk/sensornode/i2c"
	"github.com/mklimuk/sensornode/scheduler"
)

// MockTransactor is a mock implementation of sensornode.Transactor using testify/mock.
// The read buffer is filled from the first return value when it is a byte slice.
type MockTransactor struct {
	mock.Mock
}

func (m *MockTransactor) Tx(addr uint16, w, r []byte) error {
	args := m.Called(addr, append([]byte(nil), w...), len(r))
	if data, ok := args.Get(0).([]byte); ok {
		copy(r, data)
		return nil
	}
	return args.Error(1)
}

type rig struct {
	engine *i2c.Engine
	ctrl   *Controller
	arb    *energy.Arbiter
	sched  *scheduler.Scheduler
}

func newRig(t *testing.T, cfg i2c.BusConfig, devices map[byte]Device) *rig {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := &rig{ctrl: NewController(), arb: energy.NewArbiter(nil), sched: scheduler.New()}
	for addr, dev := range devices {
		r.ctrl.Attach(addr, dev)
	}
	r.engine = i2c.NewEngine(r.arb, r.sched)
	go r.ctrl.Start(ctx)
	require.NoError(t, r.engine.Open(ctx, i2c.Bus0, r.ctrl, cfg))
	return r
}

func (r *rig) do(t *testing.T, req i2c.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.engine.Submit(ctx, i2c.Bus0, req))
	require.NoError(t, r.engine.Wait(ctx, i2c.Bus0))
}

func TestController_Si7021Read(t *testing.T) {
	si := NewSi7021(Fixed(25, 40), WithBusyReads(4))
	r := newRig(t, i2c.BusConfig{}, map[byte]Device{environment.Si7021Address: si})

	var rh uint64
	r.do(t, i2c.Request{Address: 0x40, Direction: i2c.Read, Command: 0xF5, CommandLen: 1, Buffer: &rh, Length: 2, Event: 0x20})
	// (40 + 6) * 65536 / 125
	assert.Equal(t, uint64(24117), rh)
	assert.True(t, r.sched.Pending().Has(0x20))

	var temp uint64
	r.do(t, i2c.Request{Address: 0x40, Direction: i2c.Read, Command: 0xE0, CommandLen: 1, Buffer: &temp, Length: 2, Event: 0x80})
	// (25 + 46.85) * 65536 / 175.72
	assert.Equal(t, uint64(26797), temp)
	assert.Equal(t, 0, r.arb.Reservations(energy.EM2))
	assert.Equal(t, 1, si.Measurements())
}

func TestController_SHTC3Cycle(t *testing.T) {
	sh := NewSHTC3(Fixed(23, 40), WithBusyReads(3))
	r := newRig(t, i2c.BusConfig{StopBeforeRetry: []uint16{0x70}}, map[byte]Device{environment.SHTC3Address: sh})

	var data uint64
	read := i2c.Request{Address: 0x70, Direction: i2c.Read, Command: 0x7866, CommandLen: 2, Buffer: &data, Length: 6, Event: 0x100}

	r.do(t, i2c.Request{Address: 0x70, Direction: i2c.Write, Command: 0x3517, CommandLen: 2})
	assert.False(t, sh.Asleep())
	r.do(t, read)
	r.do(t, i2c.Request{Address: 0x70, Direction: i2c.Write, Command: 0xB098, CommandLen: 2})
	assert.True(t, sh.Asleep())

	rawT, rawRH := uint16(data>>32), uint16(data>>8)
	assert.InDelta(t, 23, -45+175*float64(rawT)/65535, 0.01)
	assert.InDelta(t, 40, 100*float64(rawRH)/65535, 0.01)
	assert.Equal(t, environment.CRC8([]byte{byte(data >> 40), byte(data >> 32)}), byte(data>>24))
	assert.True(t, r.sched.Pending().Has(0x100))
	assert.Equal(t, 0, r.arb.Reservations(energy.EM2))
}

func TestController_UnknownAddressIsRetried(t *testing.T) {
	r := newRig(t, i2c.BusConfig{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, r.engine.Submit(ctx, i2c.Bus0, i2c.Request{Address: 0x22, Direction: i2c.Write, Command: 1, CommandLen: 1}))
	// nobody answers; the address phase is retried until someone does
	assert.ErrorIs(t, r.engine.Wait(ctx, i2c.Bus0), context.DeadlineExceeded)
	assert.True(t, r.engine.Busy(i2c.Bus0))
	assert.NoError(t, r.engine.Fault(i2c.Bus0))

	r.ctrl.Attach(0x22, NewBridge(sensornode.TransactorFunc(func(addr uint16, w, rd []byte) error { return nil }), 0x22))
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	assert.NoError(t, r.engine.Wait(ctx2, i2c.Bus0))
}

func TestController_StopBeforeStartIsFolded(t *testing.T) {
	c := NewController()
	c.SetEnabled(i2c.CauseAll)
	c.Command(i2c.CmdStop)
	assert.Equal(t, i2c.CauseStop, c.Flags())
	c.Command(i2c.CmdStart)
	assert.Equal(t, i2c.CauseNone, c.Flags(), "stop followed by start does not flag MSTOP")

	c.Command(i2c.CmdStart | i2c.CmdStop)
	assert.Equal(t, i2c.CauseStop, c.Flags(), "reset sequence flags MSTOP")
}

func TestBridge_CombinedRead(t *testing.T) {
	tx := &MockTransactor{}
	tx.On("Tx", uint16(0x40), []byte{0xF5}, 2).Return([]byte{0x4E, 0x85}, nil).Once()
	bridge := NewBridge(tx, 0x40)
	r := newRig(t, i2c.BusConfig{}, map[byte]Device{0x40: bridge})

	var buf uint64
	r.do(t, i2c.Request{Address: 0x40, Direction: i2c.Read, Command: 0xF5, CommandLen: 1, Buffer: &buf, Length: 2, Event: 0x20})
	assert.Equal(t, uint64(0x4E85), buf)
	tx.AssertExpectations(t)
	assert.NoError(t, bridge.LastErr())
}

func TestBridge_RejectedReadIsRetriedPlain(t *testing.T) {
	tx := &MockTransactor{}
	busy := errors.New("read nacked")
	first := tx.On("Tx", uint16(0x70), []byte{0x78, 0x66}, 6).Return(nil, busy).Once()
	tx.On("Tx", uint16(0x70), []byte(nil), 6).Return([]byte{1, 2, 3, 4, 5, 6}, nil).Once().NotBefore(first)
	bridge := NewBridge(tx, 0x70)
	r := newRig(t, i2c.BusConfig{StopBeforeRetry: []uint16{0x70}}, map[byte]Device{0x70: bridge})

	var buf uint64
	r.do(t, i2c.Request{Address: 0x70, Direction: i2c.Read, Command: 0x7866, CommandLen: 2, Buffer: &buf, Length: 6, Event: 0x100})
	assert.Equal(t, uint64(0x010203040506), buf)
	assert.ErrorIs(t, bridge.LastErr(), busy)
	tx.AssertExpectations(t)
}

func TestBridge_WriteFlushedOnStop(t *testing.T) {
	tx := &MockTransactor{}
	tx.On("Tx", uint16(0x70), []byte{0x35, 0x17}, 0).Return(nil, nil).Once()
	bridge := NewBridge(tx, 0x70)
	r := newRig(t, i2c.BusConfig{}, map[byte]Device{0x70: bridge})

	r.do(t, i2c.Request{Address: 0x70, Direction: i2c.Write, Command: 0x3517, CommandLen: 2})
	tx.AssertExpectations(t)
	assert.Equal(t, scheduler.Event(0), r.sched.Pending())
}

func TestBridge_WriteErrorIsKept(t *testing.T) {
	tx := &MockTransactor{}
	gone := errors.New("device gone")
	tx.On("Tx", uint16(0x70), []byte{0xB0, 0x98}, 0).Return(nil, gone).Once()
	bridge := NewBridge(tx, 0x70)
	r := newRig(t, i2c.BusConfig{}, map[byte]Device{0x70: bridge})

	r.do(t, i2c.Request{Address: 0x70, Direction: i2c.Write, Command: 0xB098, CommandLen: 2})
	assert.ErrorIs(t, bridge.LastErr(), gone)
}

func TestSHTC3_SleepingSensorNacksReads(t *testing.T) {
	sh := NewSHTC3(Fixed(20, 50))
	assert.True(t, sh.Begin(false))
	assert.False(t, sh.Begin(true))
	assert.True(t, sh.Write(0x78))
	assert.False(t, sh.Write(0x66), "measurement refused while asleep")
}

func TestSi7021_UnknownCommandNacked(t *testing.T) {
	si := NewSi7021(Fixed(20, 50))
	assert.True(t, si.Begin(false))
	assert.False(t, si.Write(0x12))
	assert.Equal(t, byte(0xFF), si.Next(), "nothing queued reads as idle bus")
}
