package node

import (
	"log/slog"

	"go.uber.org/atomic"
)

// Indicator is the humidity LED.
type Indicator interface {
	Set(on bool) error
}

// MemoryLED keeps the LED state in memory and logs changes.
type MemoryLED struct {
	on *atomic.Bool
}

func NewMemoryLED() *MemoryLED {
	return &MemoryLED{on: atomic.NewBool(false)}
}

func (l *MemoryLED) Set(on bool) error {
	if l.on.Swap(on) != on {
		slog.Info("led", "on", on)
	}
	return nil
}

func (l *MemoryLED) On() bool {
	return l.on.Load()
}
