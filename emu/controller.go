// Package emu emulates the bus controllers at byte level so the transaction
// engine can run on a host. Secondary devices are either in-process models or
// a Bridge that forwards whole transactions to a real bus.
package emu

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mklimuk/sensornode/i2c"
)

var _ i2c.Controller = &Controller{}
var _ i2c.IRQSource = &Controller{}
var _ i2c.ReadSizer = &Controller{}

// Device is a secondary device attached to an emulated bus.
type Device interface {
	// Begin is called when the device is addressed. Returning false NACKs the address.
	Begin(read bool) bool
	// Write receives one byte of the write phase. Returning false NACKs it.
	Write(b byte) bool
	// Next supplies the next byte of the read phase.
	Next() byte
	// End is called on the stop condition.
	End()
}

type phase uint8

const (
	phaseIdle phase = iota
	phaseAddress
	phaseWrite
	phaseRead
	phaseRejected
)

// Controller is a byte-level bus controller. Actions complete immediately and
// raise their interrupt flags; the flags are delivered level-triggered on the
// goroutine running Start.
type Controller struct {
	mx       sync.Mutex
	cfg      i2c.BusConfig
	devices  map[byte]Device
	flags    i2c.Cause
	enabled  i2c.Cause
	rx       byte
	phase    phase
	dev      Device
	readSize int
	// stop issued since the last delivery; a start following it folds the
	// pair into a stop-start sequence that does not flag MSTOP
	stopFresh bool

	irq  func()
	kick chan struct{}
}

func NewController() *Controller {
	return &Controller{
		devices: make(map[byte]Device),
		kick:    make(chan struct{}, 1),
	}
}

// Attach puts dev on the bus at the 7-bit address addr.
func (c *Controller) Attach(addr byte, dev Device) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.devices[addr&0x7F] = dev
}

func (c *Controller) Config() i2c.BusConfig {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.cfg
}

func (c *Controller) Configure(cfg i2c.BusConfig) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.cfg = cfg
	return nil
}

func (c *Controller) SetIRQ(handler func()) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.irq = handler
}

// Start delivers pending interrupts until ctx is done. Only one Start may run
// per controller so the handler is never invoked concurrently with itself.
func (c *Controller) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
		}
		c.mx.Lock()
		pending := c.flags&c.enabled != 0
		handler := c.irq
		c.stopFresh = false
		c.mx.Unlock()
		if pending && handler != nil {
			handler()
		}
	}
}

func (c *Controller) Command(cmd i2c.Cmd) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if cmd&i2c.CmdAbort != 0 {
		c.phase = phaseIdle
		c.dev = nil
		c.stopFresh = false
	}
	if cmd&i2c.CmdStart != 0 {
		if c.stopFresh {
			c.flags &^= i2c.CauseStop
			c.stopFresh = false
		}
		c.phase = phaseAddress
	}
	if cmd&i2c.CmdAck != 0 && c.phase == phaseRead {
		c.rx = c.dev.Next()
		c.raise(i2c.CauseRxData)
	}
	if cmd&i2c.CmdStop != 0 {
		if c.dev != nil {
			c.dev.End()
		}
		c.dev = nil
		c.phase = phaseIdle
		c.stopFresh = true
		c.raise(i2c.CauseStop)
	}
}

func (c *Controller) Transmit(b byte) {
	c.mx.Lock()
	defer c.mx.Unlock()
	switch c.phase {
	case phaseAddress:
		addr, read := b>>1, b&1 == 1
		dev, ok := c.devices[addr]
		if !ok {
			c.reject()
			return
		}
		if read {
			if rs, ok := dev.(i2c.ReadSizer); ok {
				rs.SizeRead(c.readSize)
			}
		}
		if !dev.Begin(read) {
			c.reject()
			return
		}
		c.dev = dev
		if !read {
			c.phase = phaseWrite
			c.raise(i2c.CauseAck)
			return
		}
		c.phase = phaseRead
		c.rx = dev.Next()
		c.raise(i2c.CauseAck | i2c.CauseRxData)
	case phaseWrite:
		if c.dev.Write(b) {
			c.raise(i2c.CauseAck)
		} else {
			c.raise(i2c.CauseNack)
		}
	default:
		slog.Warn("transmit outside of a write phase dropped", "byte", b)
	}
}

func (c *Controller) Receive() byte {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.rx
}

func (c *Controller) SizeRead(n int) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.readSize = n
}

func (c *Controller) Flags() i2c.Cause {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.flags
}

func (c *Controller) ClearFlags(f i2c.Cause) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.flags &^= f
}

func (c *Controller) Enabled() i2c.Cause {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.enabled
}

func (c *Controller) SetEnabled(f i2c.Cause) {
	c.mx.Lock()
	c.enabled = f
	c.mx.Unlock()
	c.notify()
}

func (c *Controller) reject() {
	c.phase = phaseRejected
	c.dev = nil
	c.raise(i2c.CauseNack)
}

// raise must be called with mx held.
func (c *Controller) raise(f i2c.Cause) {
	c.flags |= f
	c.notify()
}

func (c *Controller) notify() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}
