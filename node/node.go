// Package node wires the bus engine, the energy arbiter and the event
// scheduler into the sensor node application: a periodic timer triggers
// measurements, completed transactions come back as events, and the dispatch
// loop sleeps as deep as the outstanding reservations allow in between.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mklimuk/sensornode/energy"
	"github.com/mklimuk/sensornode/environment"
	"github.com/mklimuk/sensornode/i2c"
	"github.com/mklimuk/sensornode/scheduler"
)

var ErrUnexpectedEvent = errors.New("unexpected event")

type Opts struct {
	Clock  clock.Clock
	LED    Indicator
	Tracer func(i2c.Transition)
}

type Opt func(*Opts)

func WithClock(c clock.Clock) Opt {
	return func(o *Opts) {
		o.Clock = c
	}
}

func WithIndicator(led Indicator) Opt {
	return func(o *Opts) {
		o.LED = led
	}
}

func WithTracer(tracer func(i2c.Transition)) Opt {
	return func(o *Opts) {
		o.Tracer = tracer
	}
}

type Readings struct {
	Humidity           float32   `yaml:"humidity"`
	Temperature        float32   `yaml:"temperature"`
	TemperatureRounded int       `yaml:"temperature_rounded"`
	SHTC3Temperature   float32   `yaml:"shtc3_temperature"`
	SHTC3Humidity      float32   `yaml:"shtc3_humidity"`
	Updated            time.Time `yaml:"updated"`
}

type handler struct {
	event scheduler.Event
	name  string
	fn    func(ctx context.Context) error
}

type Node struct {
	cfg     Config
	opts    Opts
	sleeper *energy.WaitSleeper
	arbiter *energy.Arbiter
	sched   *scheduler.Scheduler
	engine  *i2c.Engine
	timer   *Timer
	si7021  *environment.Si7021
	shtc3   *environment.SHTC3
	faults  chan error

	handlers []handler
	known    scheduler.Event

	mx       sync.Mutex
	user     energy.Mode
	readings Readings
}

func New(cfg Config, opts ...Opt) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := Opts{
		Clock: clock.New(),
		LED:   NewMemoryLED(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	n := &Node{
		cfg:    cfg,
		opts:   o,
		faults: make(chan error, i2c.NumBuses),
		user:   cfg.Energy.UserBlock,
	}
	n.sleeper = energy.NewWaitSleeper(energy.WithClock(o.Clock))
	n.arbiter = energy.NewArbiter(n.sleeper)
	n.sched = scheduler.New(scheduler.WithWaker(n.sleeper))
	engineOpts := []i2c.EngineOpt{
		i2c.WithBlockMode(cfg.Energy.I2CBlock),
		i2c.WithFaultHandler(n.fault),
	}
	if o.Tracer != nil {
		engineOpts = append(engineOpts, i2c.WithTracer(o.Tracer))
	}
	n.engine = i2c.NewEngine(n.arbiter, n.sched, engineOpts...)
	n.timer = NewTimer(o.Clock, cfg.Timer, n.sched, n.arbiter)
	n.si7021 = environment.NewSi7021(n.engine, cfg.Sensors.Si7021)
	n.shtc3 = environment.NewSHTC3(n.engine, cfg.Sensors.SHTC3)

	// dispatch order follows the event bit order
	n.handlers = []handler{
		{EventTimerComp0, "timer compare 0", n.onTimerComp0},
		{EventTimerComp1, "timer compare 1", n.onTimerComp1},
		{EventTimerUnderflow, "timer underflow", n.onTimerUnderflow},
		{EventButtonOdd, "odd button", n.onButtonOdd},
		{EventButtonEven, "even button", n.onButtonEven},
		{EventSi7021Humidity, "si7021 humidity", n.onHumidity},
		{EventSi7021Temperature, "si7021 temperature", n.onTemperature},
		{EventSHTC3Read, "shtc3 read", n.onSHTC3},
	}
	for _, h := range n.handlers {
		n.known |= h.event
	}
	return n, nil
}

// Open opens every configured bus on its controller, takes the initial user
// reservation and starts the measurement timer.
func (n *Node) Open(ctx context.Context, ctrls map[i2c.BusID]i2c.Controller) error {
	n.sched.Open()
	for _, b := range n.cfg.Buses {
		ctrl, ok := ctrls[b.ID]
		if !ok {
			return fmt.Errorf("node: no controller for %s", b.ID)
		}
		if err := n.engine.Open(ctx, b.ID, ctrl, b.BusConfig); err != nil {
			return fmt.Errorf("node: %w", err)
		}
	}
	n.mx.Lock()
	n.arbiter.Block(n.user)
	n.mx.Unlock()
	return n.timer.Start(ctx)
}

// Close stops the timer and drops the user reservation.
func (n *Node) Close() error {
	err := n.timer.Stop()
	n.mx.Lock()
	defer n.mx.Unlock()
	return errors.Join(err, n.arbiter.Unblock(n.user))
}

// Run is the dispatch loop. With nothing pending it sleeps; otherwise every
// pending event is cleared and its handler invoked, in event bit order.
// It returns nil when ctx is done and an error when a handler fails or a bus halts.
func (n *Node) Run(ctx context.Context) error {
	for {
		select {
		case err := <-n.faults:
			return err
		case <-ctx.Done():
			return nil
		default:
		}
		pending := n.sched.Pending()
		if pending == 0 {
			if err := n.sleep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}
		for _, h := range n.handlers {
			if !pending.Has(h.event) {
				continue
			}
			n.sched.Clear(h.event)
			if err := h.fn(ctx); err != nil {
				return fmt.Errorf("node: %s: %w", h.name, err)
			}
		}
		if rest := pending &^ n.known; rest != 0 {
			slog.Warn("dropping events without handler", "events", rest)
			n.sched.Clear(rest)
		}
	}
}

func (n *Node) sleep(ctx context.Context) error {
	mode, err := n.arbiter.EnterSleep(ctx)
	if err != nil {
		return err
	}
	if mode == energy.EM0 {
		// awake: wait for the next event instead of spinning
		return n.sleeper.Sleep(ctx, energy.EM0)
	}
	return nil
}

func (n *Node) fault(id i2c.BusID, err error) {
	select {
	case n.faults <- fmt.Errorf("node: bus %s halted: %w", id, err):
	default:
	}
	n.sleeper.Wake()
}

// Press posts the button's event, as the pin interrupt does.
func (n *Node) Press(b Button) {
	n.sched.Post(b.event())
}

// Do runs one transaction outside of the measurement cycle and waits for it
// to complete. If ctx ends first, the transaction still completes into req.Buffer.
func (n *Node) Do(ctx context.Context, id i2c.BusID, req i2c.Request) error {
	req.Event = 0
	if err := n.engine.Submit(ctx, id, req); err != nil {
		return err
	}
	return n.engine.Wait(ctx, id)
}

func (n *Node) Engine() *i2c.Engine {
	return n.engine
}

func (n *Node) Readings() Readings {
	n.mx.Lock()
	defer n.mx.Unlock()
	return n.readings
}

func (n *Node) onTimerComp0(ctx context.Context) error {
	return fmt.Errorf("%w: %s", ErrUnexpectedEvent, EventTimerComp0)
}

func (n *Node) onTimerComp1(ctx context.Context) error {
	slog.Debug("timer active period elapsed")
	return nil
}

func (n *Node) onTimerUnderflow(ctx context.Context) error {
	if err := n.si7021.MeasureHumidity(ctx, EventSi7021Humidity); err != nil {
		return err
	}
	if err := n.si7021.ReadTemperature(ctx, EventSi7021Temperature); err != nil {
		return err
	}
	return n.shtc3.Measure(ctx, EventSHTC3Read)
}

func (n *Node) onButtonOdd(ctx context.Context) error {
	return n.moveUser(func(m energy.Mode) energy.Mode {
		return (m + 1) % energy.NumModes
	})
}

// onButtonEven steps the user reservation one mode shallower, wrapping EM0
// to EM4. It mirrors onButtonOdd instead of re-blocking a fixed mode.
func (n *Node) onButtonEven(ctx context.Context) error {
	return n.moveUser(func(m energy.Mode) energy.Mode {
		return (m + energy.NumModes - 1) % energy.NumModes
	})
}

// moveUser takes the new reservation before releasing the old one so the
// floor never passes through a deeper mode.
func (n *Node) moveUser(next func(energy.Mode) energy.Mode) error {
	n.mx.Lock()
	defer n.mx.Unlock()
	from, to := n.user, next(n.user)
	n.arbiter.Block(to)
	if err := n.arbiter.Unblock(from); err != nil {
		_ = n.arbiter.Unblock(to)
		return err
	}
	n.user = to
	slog.Info("user reservation moved", "from", from, "to", to, "floor", n.arbiter.CurrentFloor())
	return nil
}

func (n *Node) onHumidity(ctx context.Context) error {
	rh := n.si7021.Humidity()
	n.mx.Lock()
	n.readings.Humidity = rh
	n.readings.Updated = n.opts.Clock.Now()
	n.mx.Unlock()
	slog.Info("si7021 humidity", "rh", rh)
	return n.opts.LED.Set(rh >= n.cfg.HumidityThreshold)
}

func (n *Node) onTemperature(ctx context.Context) error {
	t, rounded := n.si7021.Temperature(), n.si7021.TemperatureRounded()
	n.mx.Lock()
	n.readings.Temperature = t
	n.readings.TemperatureRounded = rounded
	n.readings.Updated = n.opts.Clock.Now()
	n.mx.Unlock()
	slog.Info("si7021 temperature", "celsius", rounded)
	return nil
}

func (n *Node) onSHTC3(ctx context.Context) error {
	t, rh, err := n.shtc3.Decode()
	if err != nil {
		slog.Warn("shtc3 reading dropped", "error", err)
		return nil
	}
	n.mx.Lock()
	n.readings.SHTC3Temperature = t
	n.readings.SHTC3Humidity = rh
	n.readings.Updated = n.opts.Clock.Now()
	n.mx.Unlock()
	slog.Info("shtc3", "celsius", t, "fahrenheit", environment.Fahrenheit(t), "rh", rh)
	return nil
}
