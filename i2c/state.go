package i2c

import (
	"errors"
	"fmt"

	"github.com/mklimuk/sensornode"
)

// State of a bus transaction.
type State uint8

const (
	StateInit State = iota
	StateAddressForRead
	StateHold
	StateWrite
	StateReceive
	StateClose
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateAddressForRead:
		return "AddressForRead"
	case StateHold:
		return "Hold"
	case StateWrite:
		return "Write"
	case StateReceive:
		return "Receive"
	case StateClose:
		return "Close"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

var ErrBusHalted = errors.New("bus halted after fault")

// ProtocolError reports an interrupt cause that the current state cannot accept.
type ProtocolError struct {
	Bus   BusID
	State State
	Cause Cause
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("i2c: bus %s: %s in state %s: %v", e.Bus, e.Cause, e.State, sensornode.ErrProtocolViolation)
}

func (e *ProtocolError) Unwrap() error {
	return sensornode.ErrProtocolViolation
}

func (b *busContext) violation(c Cause) error {
	return &ProtocolError{Bus: b.id, State: b.state, Cause: c}
}

func (b *busContext) onAck() error {
	switch b.state {
	case StateInit:
		b.cmdRemaining--
		// MSB first whatever the command width
		b.ctrl.Transmit(byte(b.command >> (8 * b.cmdRemaining)))
		if b.cmdRemaining == 0 {
			if b.dir == Read {
				b.state = StateAddressForRead
			} else {
				b.state = StateWrite
			}
		}
	case StateAddressForRead:
		b.sendReadHeader()
		b.state = StateHold
	case StateHold:
		b.state = StateReceive
	case StateWrite:
		b.ctrl.Command(CmdStop)
		b.state = StateClose
	default:
		return b.violation(CauseAck)
	}
	return nil
}

func (b *busContext) onNack() error {
	switch b.state {
	case StateInit:
		// lost arbitration or device not ready: start over with the full command
		b.ctrl.Command(CmdStart)
		b.ctrl.Transmit(b.address<<1 | writeBit)
		b.cmdRemaining = b.cmdLen
	case StateAddressForRead, StateHold:
		if b.dir == Read {
			if b.cfg.stopsBeforeRetry(b.address) {
				b.ctrl.Command(CmdStop)
			}
			b.sendReadHeader()
		}
	default:
		return b.violation(CauseNack)
	}
	return nil
}

func (b *busContext) onRxData() error {
	switch b.state {
	case StateReceive:
		*b.buffer = *b.buffer<<8 | uint64(b.ctrl.Receive())
		b.remaining--
		if b.remaining > 0 {
			b.ctrl.Command(CmdAck)
			return nil
		}
		// the initiator must not acknowledge the last byte it wants
		b.ctrl.Command(CmdNack)
		b.ctrl.Command(CmdStop)
		b.state = StateClose
	default:
		return b.violation(CauseRxData)
	}
	return nil
}

func (b *busContext) onStop() error {
	switch b.state {
	case StateClose:
		if b.dir == Read {
			b.events.Post(b.event)
		}
		return b.sleep.Unblock(b.block)
	default:
		return b.violation(CauseStop)
	}
}

func (b *busContext) sendReadHeader() {
	if rs, ok := b.ctrl.(ReadSizer); ok {
		rs.SizeRead(b.remaining)
	}
	b.ctrl.Command(CmdStart)
	b.ctrl.Transmit(b.address<<1 | readBit)
}
