package energy

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// WaitSleeper emulates a processor sleep on a host: Sleep blocks until Wake is called.
//
// The wake token is a one-slot buffer, so a wake raised after the arbiter took its
// decision but before Sleep started is kept and ends the next Sleep immediately.
// That is the host equivalent of unmasking interrupts as part of the sleep instruction.
type WaitSleeper struct {
	wake  chan struct{}
	clock clock.Clock

	mx        sync.Mutex
	residency [NumModes]time.Duration
	entries   [NumModes]int
}

type WaitSleeperOpt func(*WaitSleeper)

// WithClock replaces the clock used for residency accounting.
func WithClock(c clock.Clock) WaitSleeperOpt {
	return func(s *WaitSleeper) {
		s.clock = c
	}
}

func NewWaitSleeper(opts ...WaitSleeperOpt) *WaitSleeper {
	s := &WaitSleeper{
		wake:  make(chan struct{}, 1),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wake ends the current (or next) Sleep. It never blocks.
func (s *WaitSleeper) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *WaitSleeper) Sleep(ctx context.Context, mode Mode) error {
	start := s.clock.Now()
	var err error
	select {
	case <-s.wake:
	case <-ctx.Done():
		err = ctx.Err()
	}
	elapsed := s.clock.Since(start)
	s.mx.Lock()
	if mode.Valid() {
		s.residency[mode] += elapsed
		s.entries[mode]++
	}
	s.mx.Unlock()
	return err
}

// Residency reports the time spent and the number of entries into mode.
func (s *WaitSleeper) Residency(mode Mode) (time.Duration, int) {
	if !mode.Valid() {
		return 0, 0
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.residency[mode], s.entries[mode]
}
