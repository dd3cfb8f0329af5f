// Package i2c drives the two bus controllers as interrupt-advanced state machines.
//
// Submit arms a transaction and returns immediately; the controller interrupt
// handler (HandleInterrupt) walks the transaction through its states. When the
// stop condition completes the engine releases the sleep mode it reserved,
// posts the completion event of read transactions and frees the bus for the
// next submission.
package i2c

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"go.uber.org/atomic"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/energy"
	"github.com/mklimuk/sensornode/scheduler"
)

var ErrUnknownBus = errors.New("unknown bus")
var ErrBusNotOpen = errors.New("bus not open")

// SleepBlocker reserves the energy mode a running transaction depends on.
type SleepBlocker interface {
	Block(mode energy.Mode)
	Unblock(mode energy.Mode) error
}

// EventPoster receives completion events.
type EventPoster interface {
	Post(e scheduler.Event)
}

// Transition is reported to the tracer for every handled interrupt cause.
// Submissions are reported with CauseNone.
type Transition struct {
	Bus   BusID
	From  State
	To    State
	Cause Cause
}

type EngineOpts struct {
	// BlockMode is the energy mode reserved for the duration of a transaction.
	BlockMode energy.Mode
	Tracer    func(Transition)
	// OnFault is called once per bus, from interrupt context, when the bus halts.
	OnFault func(BusID, error)
}

type EngineOpt func(*EngineOpts)

func WithBlockMode(mode energy.Mode) EngineOpt {
	return func(o *EngineOpts) {
		o.BlockMode = mode
	}
}

func WithTracer(tracer func(Transition)) EngineOpt {
	return func(o *EngineOpts) {
		o.Tracer = tracer
	}
}

func WithFaultHandler(handler func(BusID, error)) EngineOpt {
	return func(o *EngineOpts) {
		o.OnFault = handler
	}
}

type Engine struct {
	buses  [NumBuses]*busContext
	sleep  SleepBlocker
	events EventPoster
	config EngineOpts
}

func NewEngine(sleep SleepBlocker, events EventPoster, opts ...EngineOpt) *Engine {
	config := EngineOpts{
		BlockMode: energy.EM2,
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &Engine{
		sleep:  sleep,
		events: events,
		config: config,
	}
}

// busContext is the per-controller transaction state. Apart from busy and the
// channels guarded by mx, its fields are only touched by Submit before the first
// controller action and by the interrupt handler afterwards.
type busContext struct {
	id     BusID
	ctrl   Controller
	cfg    BusConfig
	sleep  SleepBlocker
	events EventPoster
	block  energy.Mode

	busy   *atomic.Bool
	shown  *atomic.Uint32 // copy of state for readers outside interrupt context
	mx     sync.Mutex
	idle   chan struct{} // closed while the bus is free
	halted chan struct{} // closed once the bus faulted
	fault  error

	state        State
	address      byte
	dir          Direction
	command      uint32
	cmdLen       int
	cmdRemaining int
	buffer       *uint64
	remaining    int
	event        scheduler.Event
}

func (e *Engine) newBusContext(id BusID, ctrl Controller, cfg BusConfig) *busContext {
	idle := make(chan struct{})
	close(idle)
	return &busContext{
		id:     id,
		ctrl:   ctrl,
		cfg:    cfg,
		sleep:  e.sleep,
		events: e.events,
		block:  e.config.BlockMode,
		busy:   atomic.NewBool(false),
		shown:  atomic.NewUint32(uint32(StateClose)),
		idle:   idle,
		halted: make(chan struct{}),
		state:  StateClose,
	}
}

// Open configures the controller, enables the four interrupt causes, attaches
// the interrupt line and resets the bus. It must run before any traffic on id.
func (e *Engine) Open(ctx context.Context, id BusID, ctrl Controller, cfg BusConfig) error {
	if !id.Valid() {
		return fmt.Errorf("i2c: %w: %d", ErrUnknownBus, id)
	}
	if prev := e.buses[id]; prev != nil && prev.busy.Load() {
		return fmt.Errorf("i2c: reopen of %s: %w", id, sensornode.ErrBusBusy)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := ctrl.Configure(cfg); err != nil {
		return fmt.Errorf("i2c: could not configure %s: %w", id, err)
	}
	ctrl.ClearFlags(CauseAll)
	ctrl.SetEnabled(CauseAll)
	e.buses[id] = e.newBusContext(id, ctrl, cfg)
	if src, ok := ctrl.(IRQSource); ok {
		src.SetIRQ(func() {
			_ = e.HandleInterrupt(id)
		})
	}
	slog.Debug("bus opened", "bus", id, "freq", cfg.Frequency, "clock", cfg.ClockRatio)
	return e.Reset(ctx, id)
}

func (e *Engine) bus(id BusID) (*busContext, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("i2c: %w: %d", ErrUnknownBus, id)
	}
	b := e.buses[id]
	if b == nil {
		return nil, fmt.Errorf("i2c: %s: %w", id, ErrBusNotOpen)
	}
	return b, nil
}

// Submit waits until the bus is free, reserves the transaction's energy mode
// and arms the controller. It returns as soon as the start condition and the
// address byte are issued; completion is signalled through req.Event.
//
// Waiting is bounded by ctx only. A transaction, once armed, cannot be cancelled.
func (e *Engine) Submit(ctx context.Context, id BusID, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	b, err := e.bus(id)
	if err != nil {
		return err
	}
	if err := b.acquire(ctx); err != nil {
		return err
	}
	e.sleep.Block(b.block)

	b.address = req.Address
	b.dir = req.Direction
	b.command = req.Command
	b.cmdLen = req.CommandLen
	b.cmdRemaining = req.CommandLen
	b.buffer = req.Buffer
	if b.dir == Read {
		*b.buffer = 0
	}
	b.remaining = req.Length
	b.event = req.Event
	from := b.state
	b.state = StateInit
	b.shown.Store(uint32(StateInit))
	e.trace(Transition{Bus: id, From: from, To: StateInit})

	b.ctrl.Command(CmdStart)
	b.ctrl.Transmit(b.address<<1 | writeBit)
	return nil
}

// Busy reports whether a transaction is in flight on id.
func (e *Engine) Busy(id BusID) bool {
	b, err := e.bus(id)
	if err != nil {
		return false
	}
	return b.busy.Load()
}

// Wait blocks until the bus is idle. It returns the bus fault if the bus halted.
func (e *Engine) Wait(ctx context.Context, id BusID) error {
	b, err := e.bus(id)
	if err != nil {
		return err
	}
	for {
		b.mx.Lock()
		idle, fault := b.idle, b.fault
		b.mx.Unlock()
		if fault != nil {
			return fmt.Errorf("i2c: %s: %w: %w", id, ErrBusHalted, fault)
		}
		select {
		case <-idle:
			return nil
		case <-b.halted:
		case <-ctx.Done():
			return fmt.Errorf("i2c: waiting for %s: %w", id, ctx.Err())
		}
	}
}

// Fault returns the error that halted the bus, if any.
func (e *Engine) Fault(id BusID) error {
	b, err := e.bus(id)
	if err != nil {
		return err
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.fault
}

// State returns the transaction state of the bus as of the last handled cause.
func (e *Engine) State(id BusID) (State, error) {
	b, err := e.bus(id)
	if err != nil {
		return 0, err
	}
	return State(b.shown.Load()), nil
}

// HandleInterrupt is the controller interrupt handler. It reads and clears the
// enabled flags, then dispatches every raised cause to the current state in the
// order Ack, Nack, RxData, Stop. A cause the state cannot accept halts the bus.
func (e *Engine) HandleInterrupt(id BusID) error {
	b, err := e.bus(id)
	if err != nil {
		return err
	}
	flags := b.ctrl.Flags() & b.ctrl.Enabled()
	b.ctrl.ClearFlags(flags)
	select {
	case <-b.halted:
		return fmt.Errorf("i2c: %s: %w", id, ErrBusHalted)
	default:
	}
	if !b.busy.Load() {
		// no transaction owns the bus: any raised cause is stray
		for _, cause := range causeOrder {
			if flags&cause != 0 {
				err := b.violation(cause)
				e.halt(b, err)
				return err
			}
		}
		return nil
	}
	for _, cause := range causeOrder {
		if flags&cause == 0 {
			continue
		}
		from := b.state
		var err error
		switch cause {
		case CauseAck:
			err = b.onAck()
		case CauseNack:
			err = b.onNack()
		case CauseRxData:
			err = b.onRxData()
		case CauseStop:
			err = b.onStop()
		}
		if err != nil {
			e.halt(b, err)
			return err
		}
		b.shown.Store(uint32(b.state))
		e.trace(Transition{Bus: id, From: from, To: b.state, Cause: cause})
		if cause == CauseStop {
			// the next Submit may start writing the context right after this
			b.release()
		}
	}
	return nil
}

func (e *Engine) trace(t Transition) {
	if e.config.Tracer != nil {
		e.config.Tracer(t)
	}
}

func (e *Engine) halt(b *busContext, err error) {
	b.mx.Lock()
	first := b.fault == nil
	if first {
		b.fault = err
		close(b.halted)
	}
	b.mx.Unlock()
	if !first {
		return
	}
	slog.Error("bus halted", "bus", b.id, "state", b.state, "error", err)
	if e.config.OnFault != nil {
		e.config.OnFault(b.id, err)
	}
}

func (b *busContext) acquire(ctx context.Context) error {
	for {
		b.mx.Lock()
		if b.fault != nil {
			fault := b.fault
			b.mx.Unlock()
			return fmt.Errorf("i2c: %s: %w: %w", b.id, ErrBusHalted, fault)
		}
		if !b.busy.Load() {
			b.busy.Store(true)
			b.idle = make(chan struct{})
			b.mx.Unlock()
			return nil
		}
		idle := b.idle
		b.mx.Unlock()
		select {
		case <-idle:
		case <-b.halted:
		case <-ctx.Done():
			return fmt.Errorf("i2c: waiting for %s: %w", b.id, ctx.Err())
		}
	}
}

func (b *busContext) release() {
	b.mx.Lock()
	defer b.mx.Unlock()
	if !b.busy.Load() {
		return
	}
	b.busy.Store(false)
	close(b.idle)
}

// Reset drives a possibly wedged secondary device back to an idle bus: it aborts
// whatever the controller is doing, forces a start+stop sequence with interrupts
// disabled, polls for the stop to complete and restores the interrupt mask.
func (e *Engine) Reset(ctx context.Context, id BusID) error {
	b, err := e.bus(id)
	if err != nil {
		return err
	}
	if b.busy.Load() {
		return fmt.Errorf("i2c: reset of %s: %w", id, sensornode.ErrBusBusy)
	}
	ctrl := b.ctrl
	enabled := ctrl.Enabled()
	ctrl.SetEnabled(CauseNone)
	ctrl.Command(CmdAbort)
	ctrl.ClearFlags(ctrl.Flags())
	ctrl.Command(CmdStart | CmdStop)
	for ctrl.Flags()&CauseStop == 0 {
		if err := ctx.Err(); err != nil {
			ctrl.SetEnabled(enabled)
			return fmt.Errorf("i2c: reset of %s: %w", id, err)
		}
		runtime.Gosched()
	}
	ctrl.ClearFlags(ctrl.Flags())
	ctrl.Command(CmdAbort)
	ctrl.SetEnabled(enabled)
	return nil
}
