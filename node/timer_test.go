package node

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/sensornode/energy"
	"github.com/mklimuk/sensornode/scheduler"
)

func TestTimer(t *testing.T) {
	mockClock := clock.NewMock()
	arb := energy.NewArbiter(nil)
	sched := scheduler.New()
	timer := NewTimer(mockClock, TimerSettings{Period: 3 * time.Second, ActivePeriod: 2 * time.Millisecond}, sched, arb)

	require.NoError(t, timer.Start(context.Background()))
	assert.Equal(t, 1, arb.Reservations(energy.EM4))
	assert.ErrorIs(t, timer.Start(context.Background()), ErrTimerRunning)

	mockClock.Add(time.Second)
	assert.Equal(t, scheduler.Event(0), sched.Pending())

	mockClock.Add(2 * time.Second)
	assert.Eventually(t, func() bool {
		return sched.Pending().Has(EventTimerUnderflow)
	}, time.Second, time.Millisecond)
	assert.False(t, sched.Pending().Has(EventTimerComp1))

	mockClock.Add(2 * time.Millisecond)
	assert.Eventually(t, func() bool {
		return sched.Pending().Has(EventTimerComp1)
	}, time.Second, time.Millisecond)

	require.NoError(t, timer.Stop())
	assert.Equal(t, 0, arb.Reservations(energy.EM4))
	require.NoError(t, timer.Stop())

	sched.Clear(EventTimerUnderflow | EventTimerComp1)
	mockClock.Add(3 * time.Second)
	assert.Equal(t, scheduler.Event(0), sched.Pending(), "stopped timer posts nothing")
}

func TestTimer_NoActivePeriod(t *testing.T) {
	mockClock := clock.NewMock()
	sched := scheduler.New()
	timer := NewTimer(mockClock, TimerSettings{Period: time.Second}, sched, energy.NewArbiter(nil))
	require.NoError(t, timer.Start(context.Background()))
	defer func() { _ = timer.Stop() }()

	mockClock.Add(time.Second)
	assert.Eventually(t, func() bool {
		return sched.Pending().Has(EventTimerUnderflow)
	}, time.Second, time.Millisecond)
	mockClock.Add(500 * time.Millisecond)
	assert.False(t, sched.Pending().Has(EventTimerComp1))
}

func TestTimer_StopCancelsPendingCompare(t *testing.T) {
	mockClock := clock.NewMock()
	arb := energy.NewArbiter(nil)
	sched := scheduler.New()
	timer := NewTimer(mockClock, TimerSettings{Period: time.Second, ActivePeriod: 10 * time.Millisecond}, sched, arb)
	require.NoError(t, timer.Start(context.Background()))

	mockClock.Add(time.Second)
	require.Eventually(t, func() bool {
		return sched.Pending().Has(EventTimerUnderflow)
	}, time.Second, time.Millisecond)
	require.NoError(t, timer.Stop())
	assert.Equal(t, 0, arb.Reservations(energy.EM4))

	mockClock.Add(10 * time.Millisecond)
	assert.Never(t, func() bool {
		return sched.Pending().Has(EventTimerComp1)
	}, 20*time.Millisecond, time.Millisecond, "compare posted after the timer stopped")
}
