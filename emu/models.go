package emu

import (
	"math"
	"sync"

	"github.com/mklimuk/sensornode/environment"
)

// Climate supplies the conditions a sensor model measures.
type Climate func() (celsius, rh float64)

// Fixed returns a Climate reporting constant conditions.
func Fixed(celsius, rh float64) Climate {
	return func() (float64, float64) {
		return celsius, rh
	}
}

type ModelOpts struct {
	// BusyReads is the number of read attempts NACKed after a measurement is triggered.
	BusyReads int
}

type ModelOpt func(*ModelOpts)

func WithBusyReads(n int) ModelOpt {
	return func(o *ModelOpts) {
		o.BusyReads = n
	}
}

func encode(v, offset, scale, full float64) uint16 {
	raw := math.Round((v + offset) * full / scale)
	return uint16(max(0, min(raw, 65535)))
}

// Si7021 models the humidity/temperature sensor in no-hold mode.
type Si7021 struct {
	mx       sync.Mutex
	climate  Climate
	config   ModelOpts
	busy     int
	cmd      []byte
	out      []byte
	lastTemp float64
	measured int
}

var _ Device = &Si7021{}

func NewSi7021(climate Climate, opts ...ModelOpt) *Si7021 {
	s := &Si7021{climate: climate}
	for _, opt := range opts {
		opt(&s.config)
	}
	return s
}

func (s *Si7021) Begin(read bool) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !read {
		s.cmd = s.cmd[:0]
		return true
	}
	if s.busy > 0 {
		s.busy--
		return false
	}
	return true
}

func (s *Si7021) Write(b byte) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.cmd = append(s.cmd, b)
	switch b {
	case environment.Si7021CmdMeasureRH:
		t, rh := s.climate()
		s.lastTemp = t
		s.out = word(encode(rh, 6, 125, 65536))
		s.busy = s.config.BusyReads
		s.measured++
	case environment.Si7021CmdReadTemp:
		s.out = word(encode(s.lastTemp, 46.85, 175.72, 65536))
	default:
		return false
	}
	return true
}

func (s *Si7021) Next() byte {
	s.mx.Lock()
	defer s.mx.Unlock()
	return pop(&s.out)
}

func (s *Si7021) End() {}

// Measurements returns how many humidity measurements were triggered.
func (s *Si7021) Measurements() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.measured
}

// SHTC3 models the sensor's sleep/wake cycle and the T-first measurement
// without clock stretching. A sleeping sensor NACKs reads.
type SHTC3 struct {
	mx       sync.Mutex
	climate  Climate
	config   ModelOpts
	asleep   bool
	busy     int
	cmd      []byte
	out      []byte
	measured int
}

var _ Device = &SHTC3{}

func NewSHTC3(climate Climate, opts ...ModelOpt) *SHTC3 {
	s := &SHTC3{climate: climate, asleep: true}
	for _, opt := range opts {
		opt(&s.config)
	}
	return s
}

func (s *SHTC3) Begin(read bool) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !read {
		s.cmd = s.cmd[:0]
		return true
	}
	if s.asleep {
		return false
	}
	if s.busy > 0 {
		s.busy--
		return false
	}
	return true
}

func (s *SHTC3) Write(b byte) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.cmd = append(s.cmd, b)
	if len(s.cmd) < 2 {
		return true
	}
	switch uint16(s.cmd[0])<<8 | uint16(s.cmd[1]) {
	case environment.SHTC3CmdWake:
		s.asleep = false
	case environment.SHTC3CmdSleep:
		s.asleep = true
	case environment.SHTC3CmdMeasure:
		if s.asleep {
			return false
		}
		t, rh := s.climate()
		tw := word(encode(t, 45, 175, 65535))
		hw := word(encode(rh, 0, 100, 65535))
		s.out = []byte{
			tw[0], tw[1], environment.CRC8(tw),
			hw[0], hw[1], environment.CRC8(hw),
		}
		s.busy = s.config.BusyReads
		s.measured++
	default:
		return false
	}
	return true
}

func (s *SHTC3) Next() byte {
	s.mx.Lock()
	defer s.mx.Unlock()
	return pop(&s.out)
}

func (s *SHTC3) End() {}

func (s *SHTC3) Asleep() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.asleep
}

func (s *SHTC3) Measurements() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.measured
}

func word(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

// pop returns the next queued byte; an exhausted queue reads as an idle bus.
func pop(q *[]byte) byte {
	if len(*q) == 0 {
		return 0xFF
	}
	b := (*q)[0]
	*q = (*q)[1:]
	return b
}
