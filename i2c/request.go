package i2c

import (
	"errors"
	"fmt"

	"github.com/mklimuk/sensornode/scheduler"
)

const (
	MaxCommandLen = 4
	MaxReadLen    = 8
)

var ErrInvalidRequest = errors.New("invalid transaction request")

// Request describes one transaction. Reads send the command, issue a repeated
// start and accumulate Length bytes big-endian into *Buffer; writes only send
// the command.
//
// The buffer belongs to the engine from Submit until Event is posted and must
// not be touched by the caller in between.
type Request struct {
	Address    byte
	Direction  Direction
	Command    uint32
	CommandLen int
	Buffer     *uint64
	Length     int
	Event      scheduler.Event
}

func (r Request) Validate() error {
	if r.Address > 0x7F {
		return fmt.Errorf("i2c: %w: address %#x does not fit 7 bits", ErrInvalidRequest, r.Address)
	}
	if r.CommandLen < 1 || r.CommandLen > MaxCommandLen {
		return fmt.Errorf("i2c: %w: command length %d outside 1..%d", ErrInvalidRequest, r.CommandLen, MaxCommandLen)
	}
	if r.CommandLen < MaxCommandLen && r.Command>>(8*r.CommandLen) != 0 {
		return fmt.Errorf("i2c: %w: command %#x wider than %d bytes", ErrInvalidRequest, r.Command, r.CommandLen)
	}
	switch r.Direction {
	case Read:
		if r.Length < 1 || r.Length > MaxReadLen {
			return fmt.Errorf("i2c: %w: read length %d outside 1..%d", ErrInvalidRequest, r.Length, MaxReadLen)
		}
		if r.Buffer == nil {
			return fmt.Errorf("i2c: %w: read without buffer", ErrInvalidRequest)
		}
	case Write:
		if r.Length != 0 {
			return fmt.Errorf("i2c: %w: write payload is not supported", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("i2c: %w: unknown direction %d", ErrInvalidRequest, r.Direction)
	}
	return nil
}
