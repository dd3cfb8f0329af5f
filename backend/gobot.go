package backend

import (
	"fmt"
	"log/slog"
	"sync"

	"gobot.io/x/gobot/v2/drivers/gpio"
	"gobot.io/x/gobot/v2/drivers/i2c"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"

	"github.com/mklimuk/sensornode"
)

type deviceKey struct {
	bus  int
	addr uint16
}

// Gobot reaches the buses of a NanoPi board through gobot's adaptor. One
// generic driver is started per addressed device.
type Gobot struct {
	mx      sync.Mutex
	adaptor *nanopi.Adaptor
	drivers map[deviceKey]*i2c.GenericDriver
}

// OpenGobot connects the board adaptor.
func OpenGobot() (*Gobot, error) {
	npi := nanopi.NewNeoAdaptor()
	if err := npi.Connect(); err != nil {
		return nil, fmt.Errorf("adaptor connect error: %w", err)
	}
	return &Gobot{
		adaptor: npi,
		drivers: make(map[deviceKey]*i2c.GenericDriver),
	}, nil
}

// Bus returns a Transactor for the board bus number bus.
func (g *Gobot) Bus(bus int) sensornode.Transactor {
	return sensornode.TransactorFunc(func(addr uint16, w, r []byte) error {
		return g.tx(bus, addr, w, r)
	})
}

func (g *Gobot) driver(key deviceKey) (*i2c.GenericDriver, error) {
	if d, ok := g.drivers[key]; ok {
		return d, nil
	}
	d := i2c.NewGenericDriver(g.adaptor, fmt.Sprintf("i2c%d-%#x", key.bus, key.addr), int(key.addr), func(c i2c.Config) {
		c.SetBus(key.bus)
	})
	if err := d.Start(); err != nil {
		return nil, fmt.Errorf("device %#x start error: %w", key.addr, err)
	}
	g.drivers[key] = d
	return d, nil
}

func (g *Gobot) tx(bus int, addr uint16, w, r []byte) error {
	g.mx.Lock()
	defer g.mx.Unlock()
	d, err := g.driver(deviceKey{bus: bus, addr: addr})
	if err != nil {
		return err
	}
	if len(w) > 0 {
		if err := d.Write(w); err != nil {
			return fmt.Errorf("device %#x write error: %w", addr, err)
		}
	}
	if len(r) > 0 {
		if err := d.Read(r); err != nil {
			return fmt.Errorf("device %#x read error: %w", addr, err)
		}
	}
	return nil
}

// LED returns an indicator driving the board pin.
func (g *Gobot) LED(pin string) (*GobotLED, error) {
	led := gpio.NewLedDriver(g.adaptor, pin)
	if err := led.Start(); err != nil {
		return nil, fmt.Errorf("led on pin %s start error: %w", pin, err)
	}
	return &GobotLED{led: led}, nil
}

func (g *Gobot) Close() error {
	g.mx.Lock()
	defer g.mx.Unlock()
	for key, d := range g.drivers {
		if err := d.Halt(); err != nil {
			slog.Warn("device halt error", "bus", key.bus, "addr", key.addr, "error", err)
		}
	}
	g.drivers = map[deviceKey]*i2c.GenericDriver{}
	return g.adaptor.Finalize()
}

// GobotLED is a board pin acting as the humidity indicator.
type GobotLED struct {
	led *gpio.LedDriver
}

func (l *GobotLED) Set(on bool) error {
	if on {
		return l.led.On()
	}
	return l.led.Off()
}
