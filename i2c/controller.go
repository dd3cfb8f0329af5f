package i2c

import (
	"fmt"
	"slices"
	"strings"
)

// BusID identifies one of the fixed bus controller instances.
type BusID uint8

const (
	Bus0 BusID = iota
	Bus1
)

// NumBuses is the number of bus controllers the engine drives.
const NumBuses = 2

func (id BusID) Valid() bool {
	return id < NumBuses
}

func (id BusID) String() string {
	return fmt.Sprintf("i2c%d", uint8(id))
}

// Direction of the payload phase of a transaction.
type Direction uint8

const (
	Write Direction = iota
	Read
)

func (d Direction) String() string {
	if d == Read {
		return "read"
	}
	return "write"
}

// direction bit appended to the 7-bit address on the wire
const (
	writeBit byte = 0
	readBit  byte = 1
)

// Cause is a set of controller interrupt flags.
type Cause uint32

const (
	CauseAck Cause = 1 << iota
	CauseNack
	CauseRxData
	CauseStop

	CauseNone Cause = 0
	CauseAll        = CauseAck | CauseNack | CauseRxData | CauseStop
)

// causeOrder is the order in which simultaneous causes are dispatched.
var causeOrder = [...]Cause{CauseAck, CauseNack, CauseRxData, CauseStop}

func (c Cause) String() string {
	if c == CauseNone {
		return "none"
	}
	var names []string
	for _, bit := range causeOrder {
		if c&bit == 0 {
			continue
		}
		switch bit {
		case CauseAck:
			names = append(names, "ACK")
		case CauseNack:
			names = append(names, "NACK")
		case CauseRxData:
			names = append(names, "RXDATAV")
		case CauseStop:
			names = append(names, "MSTOP")
		}
	}
	if rest := c &^ CauseAll; rest != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(rest)))
	}
	return strings.Join(names, "|")
}

// Cmd is a set of bus commands issued to the controller.
// When several bits are set they are executed in the order Abort, Start, Ack, Nack, Stop.
type Cmd uint8

const (
	CmdStart Cmd = 1 << iota
	CmdStop
	CmdAck
	CmdNack
	CmdAbort
)

func (c Cmd) String() string {
	var names []string
	for _, n := range []struct {
		bit  Cmd
		name string
	}{{CmdAbort, "ABORT"}, {CmdStart, "START"}, {CmdAck, "ACK"}, {CmdNack, "NACK"}, {CmdStop, "STOP"}} {
		if c&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Controller is the register-level view of one bus controller.
//
// Flags returns the raised interrupt flags regardless of the enable mask;
// the engine only acts on Flags() & Enabled() and clears what it handles.
type Controller interface {
	Configure(cfg BusConfig) error
	Command(cmd Cmd)
	Transmit(b byte)
	Receive() byte
	Flags() Cause
	ClearFlags(c Cause)
	Enabled() Cause
	SetEnabled(c Cause)
}

// IRQSource is implemented by controllers that raise their own interrupt line.
// The handler must be invoked serially, never concurrently with itself.
type IRQSource interface {
	SetIRQ(handler func())
}

// ReadSizer is implemented by controllers that must know how many bytes will be
// read before the read header goes out (USB bridges, OS level drivers).
type ReadSizer interface {
	SizeRead(n int)
}

// ClockRatio selects the SCL high/low ratio of the controller.
type ClockRatio string

const (
	ClockStandard   ClockRatio = "standard"
	ClockAsymmetric ClockRatio = "asymmetric"
	ClockFast       ClockRatio = "fast"
)

const (
	FreqStandardMax uint32 = 100_000
	FreqFastMax     uint32 = 400_000
)

// BusConfig holds the open-time parameters of one bus.
type BusConfig struct {
	Frequency  uint32     `yaml:"frequency"`
	ClockRatio ClockRatio `yaml:"clock_ratio"`
	SCLRoute   uint32     `yaml:"scl_route"`
	SDARoute   uint32     `yaml:"sda_route"`
	// StopBeforeRetry lists device addresses that need a stop condition before
	// a read header is retried after a NACK (sensors without clock stretching).
	StopBeforeRetry []uint16 `yaml:"stop_before_retry"`
}

func (c BusConfig) Validate() error {
	switch c.ClockRatio {
	case ClockStandard, ClockAsymmetric, ClockFast, "":
	default:
		return fmt.Errorf("i2c: unknown clock ratio %q", c.ClockRatio)
	}
	if c.Frequency > FreqFastMax {
		return fmt.Errorf("i2c: frequency %d Hz above fast mode maximum", c.Frequency)
	}
	for _, a := range c.StopBeforeRetry {
		if a > 0x7F {
			return fmt.Errorf("i2c: stop-before-retry address %#x does not fit 7 bits", a)
		}
	}
	return nil
}

// WithDefaults fills the frequency from the clock ratio when unset.
func (c BusConfig) WithDefaults() BusConfig {
	if c.ClockRatio == "" {
		c.ClockRatio = ClockStandard
	}
	if c.Frequency == 0 {
		c.Frequency = FreqStandardMax
		if c.ClockRatio != ClockStandard {
			c.Frequency = FreqFastMax
		}
	}
	return c
}

func (c BusConfig) stopsBeforeRetry(addr byte) bool {
	return slices.Contains(c.StopBeforeRetry, uint16(addr))
}
