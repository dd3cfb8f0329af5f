// Package scheduler hands interrupt-context completions over to the main loop.
//
// Pending events form a set of independent bits. Posting a bit that is already
// pending has no further effect: the set records that an event occurred at
// least once since it was last cleared, not how many times.
package scheduler

import (
	"fmt"

	"go.uber.org/atomic"
)

// Event is a bitmask of application events. The zero Event is "no event".
type Event uint32

func (e Event) Has(bit Event) bool {
	return bit != 0 && e&bit == bit
}

func (e Event) String() string {
	return fmt.Sprintf("%#x", uint32(e))
}

// Waker is notified after every post, typically to wake a sleeping processor.
type Waker interface {
	Wake()
}

type Scheduler struct {
	pending *atomic.Uint32
	waker   Waker
}

type Opt func(*Scheduler)

func WithWaker(w Waker) Opt {
	return func(s *Scheduler) {
		s.waker = w
	}
}

func New(opts ...Opt) *Scheduler {
	s := &Scheduler{pending: atomic.NewUint32(0)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open empties the pending set.
func (s *Scheduler) Open() {
	s.pending.Store(0)
}

// Post adds events to the pending set. Safe from any context.
func (s *Scheduler) Post(e Event) {
	if e == 0 {
		return
	}
	for {
		old := s.pending.Load()
		if s.pending.CompareAndSwap(old, old|uint32(e)) {
			break
		}
	}
	if s.waker != nil {
		s.waker.Wake()
	}
}

// Clear removes events from the pending set. Safe from any context.
func (s *Scheduler) Clear(e Event) {
	for {
		old := s.pending.Load()
		if s.pending.CompareAndSwap(old, old&^uint32(e)) {
			return
		}
	}
}

// Pending returns a snapshot of the pending set.
func (s *Scheduler) Pending() Event {
	return Event(s.pending.Load())
}

// Take atomically returns and clears the given events if any of them are pending.
func (s *Scheduler) Take(e Event) Event {
	for {
		old := s.pending.Load()
		taken := old & uint32(e)
		if taken == 0 {
			return 0
		}
		if s.pending.CompareAndSwap(old, old&^taken) {
			return Event(taken)
		}
	}
}
