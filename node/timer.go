package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mklimuk/sensornode/energy"
	"github.com/mklimuk/sensornode/i2c"
)

var ErrTimerRunning = errors.New("timer already running")

// Timer is the low-energy periodic timer. It posts EventTimerUnderflow every
// period and, when an active period is set, EventTimerComp1 that long after
// each underflow. The timer keeps running down to EM3, so it holds an EM4
// reservation while started.
type Timer struct {
	clock  clock.Clock
	period time.Duration
	active time.Duration
	events i2c.EventPoster
	sleep  i2c.SleepBlocker

	mx     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTimer(c clock.Clock, settings TimerSettings, events i2c.EventPoster, sleep i2c.SleepBlocker) *Timer {
	return &Timer{
		clock:  c,
		period: settings.Period,
		active: settings.ActivePeriod,
		events: events,
		sleep:  sleep,
	}
}

func (t *Timer) Start(ctx context.Context) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.cancel != nil {
		return ErrTimerRunning
	}
	t.sleep.Block(energy.EM4)
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	ticker := t.clock.Ticker(t.period)
	go func() {
		defer close(t.done)
		defer ticker.Stop()
		var comp1 *clock.Timer
		for {
			select {
			case <-ctx.Done():
				if comp1 != nil {
					comp1.Stop()
				}
				return
			case <-ticker.C:
				if t.active > 0 {
					comp1 = t.clock.AfterFunc(t.active, func() {
						// Stop cancels ctx under mx: nothing is posted once it returns
						t.mx.Lock()
						defer t.mx.Unlock()
						if ctx.Err() == nil {
							t.events.Post(EventTimerComp1)
						}
					})
				}
				t.events.Post(EventTimerUnderflow)
			}
		}
	}()
	slog.Debug("timer started", "period", t.period, "active", t.active)
	return nil
}

// Stop halts the timer and releases its reservation. Stopping a stopped timer is a no-op.
func (t *Timer) Stop() error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.cancel == nil {
		return nil
	}
	t.cancel()
	<-t.done
	t.cancel = nil
	if err := t.sleep.Unblock(energy.EM4); err != nil {
		return fmt.Errorf("timer: %w", err)
	}
	return nil
}
