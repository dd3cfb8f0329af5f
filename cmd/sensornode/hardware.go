package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/adapter"
	"github.com/mklimuk/sensornode/backend"
	"github.com/mklimuk/sensornode/emu"
	"github.com/mklimuk/sensornode/environment"
	"github.com/mklimuk/sensornode/i2c"
	"github.com/mklimuk/sensornode/node"
)

const (
	backendSim     = "sim"
	backendPeriph  = "periph"
	backendGobot   = "gobot"
	backendMCP2221 = "mcp2221"
)

var nodeFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "node configuration file (YAML, ${ENV} expanded)",
		EnvVars: []string{"SENSORNODE_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "backend",
		Aliases: []string{"b"},
		Value:   backendSim,
		Usage:   "bus backend: sim, periph, gobot or mcp2221",
	},
	&cli.Float64Flag{
		Name:  "temperature",
		Value: 22.5,
		Usage: "simulated temperature in °C",
	},
	&cli.Float64Flag{
		Name:  "humidity",
		Value: 35,
		Usage: "simulated relative humidity in %",
	},
	&cli.IntFlag{
		Name:  "busy-reads",
		Value: 2,
		Usage: "simulated NACKed reads before a measurement is ready",
	},
	&cli.StringFlag{
		Name:  "led",
		Usage: "indicator pin (gobot pin name or MCP2221 GP number); the LED is logged when empty",
	},
}

// hardware is what a node runs on: one controller per configured bus with
// the sensors attached, and the humidity indicator.
type hardware struct {
	ctrls   map[i2c.BusID]i2c.Controller
	emus    []*emu.Controller
	led     node.Indicator
	closers []io.Closer
}

// start runs the interrupt delivery of every emulated controller.
func (h *hardware) start(ctx context.Context) {
	for _, c := range h.emus {
		go c.Start(ctx)
	}
}

func (h *hardware) Close() error {
	var errs []error
	for _, c := range h.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func loadConfig(c *cli.Context) (node.Config, error) {
	path := c.String("config")
	if path == "" {
		return node.DefaultConfig(), nil
	}
	return node.LoadConfig(path)
}

// sensorsOn lists the sensor addresses configured on bus id.
func sensorsOn(cfg node.Config, id i2c.BusID) []byte {
	var addrs []byte
	if cfg.Sensors.Si7021 == id {
		addrs = append(addrs, environment.Si7021Address)
	}
	if cfg.Sensors.SHTC3 == id {
		addrs = append(addrs, environment.SHTC3Address)
	}
	return addrs
}

func openHardware(c *cli.Context, cfg node.Config) (*hardware, error) {
	h := &hardware{ctrls: make(map[i2c.BusID]i2c.Controller)}
	kind := c.String("backend")
	var (
		bridgeFor func(bus node.BusSettings) (sensornode.Transactor, error)
		ledFor    func(pin string) (node.Indicator, error)
	)
	switch kind {
	case backendSim:
	case backendPeriph:
		bridgeFor = func(bus node.BusSettings) (sensornode.Transactor, error) {
			pb, err := backend.OpenPeriph(bus.Device, bus.WithDefaults().Frequency)
			if err != nil {
				return nil, err
			}
			h.closers = append(h.closers, pb)
			slog.Info("bridging bus", "bus", bus.ID, "host", pb.String())
			return pb, nil
		}
	case backendGobot:
		g, err := backend.OpenGobot()
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, g)
		bridgeFor = func(bus node.BusSettings) (sensornode.Transactor, error) {
			n, err := strconv.Atoi(strings.TrimPrefix(bus.Device, "/dev/i2c-"))
			if err != nil {
				return nil, fmt.Errorf("bus %s: gobot needs a bus number, got %q", bus.ID, bus.Device)
			}
			return g.Bus(n), nil
		}
		ledFor = func(pin string) (node.Indicator, error) {
			return g.LED(pin)
		}
	case backendMCP2221:
		a := adapter.NewMCP2221()
		bridgeFor = func(bus node.BusSettings) (sensornode.Transactor, error) {
			return a, nil
		}
		ledFor = func(pin string) (node.Indicator, error) {
			n, err := strconv.Atoi(pin)
			if err != nil {
				return nil, fmt.Errorf("MCP2221 LED pin must be a GP number: %w", err)
			}
			return a.LED(n), nil
		}
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}

	climate := emu.Fixed(c.Float64("temperature"), c.Float64("humidity"))
	busy := emu.WithBusyReads(c.Int("busy-reads"))
	for _, bus := range cfg.Buses {
		ctrl := emu.NewController()
		var tx sensornode.Transactor
		if bridgeFor != nil {
			var err error
			if tx, err = bridgeFor(bus); err != nil {
				_ = h.Close()
				return nil, err
			}
		}
		for _, addr := range sensorsOn(cfg, bus.ID) {
			switch {
			case tx != nil:
				ctrl.Attach(addr, emu.NewBridge(tx, addr))
			case addr == environment.Si7021Address:
				ctrl.Attach(addr, emu.NewSi7021(climate, busy))
			case addr == environment.SHTC3Address:
				ctrl.Attach(addr, emu.NewSHTC3(climate, busy))
			}
		}
		h.ctrls[bus.ID] = ctrl
		h.emus = append(h.emus, ctrl)
	}

	h.led = node.NewMemoryLED()
	if pin := c.String("led"); pin != "" {
		if ledFor == nil {
			slog.Warn("backend has no LED output, logging LED state instead", "backend", kind)
			return h, nil
		}
		led, err := ledFor(pin)
		if err != nil {
			_ = h.Close()
			return nil, err
		}
		h.led = led
	}
	return h, nil
}
