// Package energy arbitrates how deep the processor may sleep.
//
// Every peripheral that must keep running while the processor sleeps holds a
// reservation on the first energy mode that would stop it. Reservations nest:
// a mode blocked twice needs two unblocks before it becomes available again.
// The processor may sleep only as deep as the shallowest active reservation
// allows.
package energy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mklimuk/sensornode"
)

// Sleeper puts the processor into the given mode and returns once it wakes up.
// EM0 is never requested.
type Sleeper interface {
	Sleep(ctx context.Context, mode Mode) error
}

// Arbiter keeps one reservation counter per energy mode.
// All counter mutations happen inside a short critical section so they are
// safe to call from interrupt handlers and from the main loop alike.
type Arbiter struct {
	mx      sync.Mutex
	blocks  [NumModes]int
	sleeper Sleeper
}

func NewArbiter(sleeper Sleeper) *Arbiter {
	return &Arbiter{sleeper: sleeper}
}

// Open clears all reservations.
func (a *Arbiter) Open() {
	a.mx.Lock()
	defer a.mx.Unlock()
	for i := range a.blocks {
		a.blocks[i] = 0
	}
}

// Block reserves mode, forbidding the processor to enter it (or anything deeper).
// It panics on an invalid mode as that can only be a programming error.
func (a *Arbiter) Block(mode Mode) {
	if !mode.Valid() {
		panic(fmt.Sprintf("energy: block of invalid mode %d", int(mode)))
	}
	a.mx.Lock()
	a.blocks[mode]++
	a.mx.Unlock()
}

// Unblock releases one reservation of mode. Releasing a mode that holds no
// reservation leaves the counter untouched and returns ErrReservationUnderflow.
func (a *Arbiter) Unblock(mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("energy: unblock of invalid mode %d", int(mode))
	}
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.blocks[mode] == 0 {
		return fmt.Errorf("energy: unblock %s: %w", mode, sensornode.ErrReservationUnderflow)
	}
	a.blocks[mode]--
	return nil
}

// CurrentFloor returns the shallowest mode holding a reservation, or EM4 if none does.
func (a *Arbiter) CurrentFloor() Mode {
	a.mx.Lock()
	defer a.mx.Unlock()
	return a.floor()
}

func (a *Arbiter) floor() Mode {
	for m := EM0; m < EM4; m++ {
		if a.blocks[m] > 0 {
			return m
		}
	}
	return EM4
}

// Reservations returns the number of active reservations on mode.
func (a *Arbiter) Reservations(mode Mode) int {
	if !mode.Valid() {
		return 0
	}
	a.mx.Lock()
	defer a.mx.Unlock()
	return a.blocks[mode]
}

// EnterSleep puts the processor into the deepest mode the current reservations allow
// and returns the mode it slept in. EM0 means the processor stayed awake.
//
// The decision is taken inside the critical section; the sleeper is expected to
// honour wake-ups raised between the decision and the actual sleep (see WaitSleeper).
func (a *Arbiter) EnterSleep(ctx context.Context) (Mode, error) {
	a.mx.Lock()
	mode := sleepModeFor(a.floor())
	a.mx.Unlock()
	if mode == EM0 || a.sleeper == nil {
		return EM0, nil
	}
	slog.Debug("entering sleep", "mode", mode)
	if err := a.sleeper.Sleep(ctx, mode); err != nil {
		return mode, fmt.Errorf("energy: sleep in %s: %w", mode, err)
	}
	return mode, nil
}

// sleepModeFor maps a blocked floor to the mode that may be entered:
// a reservation on EMn means EMn-1 is the deepest usable mode.
func sleepModeFor(floor Mode) Mode {
	if floor <= EM1 {
		return EM0
	}
	return floor - 1
}
