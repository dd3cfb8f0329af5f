// Package trace records bus state machine transitions as a CBOR sequence.
package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"

	"github.com/mklimuk/sensornode/i2c"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("trace: decoder mode: %v", err))
	}
}

// Record is one handled interrupt cause (or a submission, with cause none).
type Record struct {
	At    time.Time `cbor:"1,keyasint"`
	Bus   i2c.BusID `cbor:"2,keyasint"`
	From  i2c.State `cbor:"3,keyasint"`
	To    i2c.State `cbor:"4,keyasint"`
	Cause i2c.Cause `cbor:"5,keyasint,omitempty"`
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s %s -> %s (%s)", r.At.Format(time.StampMicro), r.Bus, r.From, r.To, r.Cause)
}

// MarshalYAML renders the record with symbolic names.
func (r Record) MarshalYAML() (interface{}, error) {
	return struct {
		At    string `yaml:"at"`
		Bus   string `yaml:"bus"`
		From  string `yaml:"from"`
		To    string `yaml:"to"`
		Cause string `yaml:"cause"`
	}{
		At:    r.At.Format(time.RFC3339Nano),
		Bus:   r.Bus.String(),
		From:  r.From.String(),
		To:    r.To.String(),
		Cause: r.Cause.String(),
	}, nil
}

type RecorderOpt func(*Recorder)

func WithClock(c clock.Clock) RecorderOpt {
	return func(r *Recorder) {
		r.clock = c
	}
}

// Recorder appends transitions to a writer. Its Trace method is meant to be
// installed with i2c.WithTracer and is safe to call from both interrupt handlers.
type Recorder struct {
	mx     sync.Mutex
	clock  clock.Clock
	enc    *cbor.Encoder
	closer io.Closer
	count  int
	err    error
	closed bool
}

func NewRecorder(w io.Writer, opts ...RecorderOpt) *Recorder {
	r := &Recorder{clock: clock.New(), enc: encMode.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create opens (truncating) a trace file at path.
func Create(path string, opts ...RecorderOpt) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	return NewRecorder(f, opts...), nil
}

func (r *Recorder) Trace(t i2c.Transition) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closed || r.err != nil {
		return
	}
	rec := Record{At: r.clock.Now(), Bus: t.Bus, From: t.From, To: t.To, Cause: t.Cause}
	if err := r.enc.Encode(rec); err != nil {
		// the first failure is reported by Close; tracing must not disturb the bus
		r.err = fmt.Errorf("trace: record %d: %w", r.count, err)
		return
	}
	r.count++
}

// Count returns how many records were written.
func (r *Recorder) Count() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.count
}

// Close stops recording and closes the underlying writer when it is a Closer.
// It returns the first write error, if any.
func (r *Recorder) Close() error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var cerr error
	if r.closer != nil {
		cerr = r.closer.Close()
	}
	return errors.Join(r.err, cerr)
}

// Reader streams records back from a trace.
type Reader struct {
	dec    *cbor.Decoder
	closer io.Closer
}

func NewReader(rd io.Reader) *Reader {
	r := &Reader{dec: decMode.NewDecoder(rd)}
	if c, ok := rd.(io.Closer); ok {
		r.closer = c
	}
	return r
}

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	return NewReader(f), nil
}

// Next returns the next record or io.EOF at the end of the trace.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("trace: %w", err)
	}
	return rec, nil
}

// All reads the remaining records.
func (r *Reader) All() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
