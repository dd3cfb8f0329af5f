package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sensornode/cmd/sensornode/console"
	"github.com/mklimuk/sensornode/node"
	"github.com/mklimuk/sensornode/trace"
)

var runCmd = cli.Command{
	Name:  "run",
	Usage: "run the measurement cycle until interrupted",
	Flags: append([]cli.Flag{
		&cli.DurationFlag{
			Name:    "duration",
			Aliases: []string{"d"},
			Usage:   "stop after this long (0 runs until interrupted)",
		},
		&cli.StringFlag{
			Name:    "trace",
			Aliases: []string{"t"},
			Usage:   "record bus transitions to this file",
		},
	}, nodeFlags...),
	Action: func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		if d := c.Duration("duration"); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		ctx = console.SetVerbose(ctx, c.Bool("verbose"))

		var opts []node.Opt
		if path := c.String("trace"); path != "" {
			rec, err := trace.Create(path)
			if err != nil {
				return console.Fail("could not create trace", err)
			}
			defer func() {
				if err := rec.Close(); err != nil {
					slog.Error("trace incomplete", "error", err)
				}
				slog.Info("trace written", "file", path, "records", rec.Count())
			}()
			opts = append(opts, node.WithTracer(rec.Trace))
		}
		n, h, err := openNode(ctx, c, opts...)
		if err != nil {
			return err
		}
		defer closeNode(n, h)

		err = n.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return console.Fail("node stopped", err)
		}
		if err := printYAML(n.Status()); err != nil {
			return console.Fail("encoding error", err)
		}
		return nil
	},
}

// openNode builds a node on the selected backend and opens it; the caller
// runs its dispatch loop.
func openNode(ctx context.Context, c *cli.Context, opts ...node.Opt) (*node.Node, *hardware, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, console.Fail("configuration error", err)
	}
	h, err := openHardware(c, cfg)
	if err != nil {
		return nil, nil, console.Fail("backend error", err)
	}
	n, err := node.New(cfg, append(opts, node.WithIndicator(h.led))...)
	if err != nil {
		_ = h.Close()
		return nil, nil, console.Fail("configuration error", err)
	}
	h.start(ctx)
	if err := n.Open(ctx, h.ctrls); err != nil {
		_ = h.Close()
		return nil, nil, console.Fail("could not open node", err)
	}
	slog.Info("node open", "backend", c.String("backend"), "buses", len(h.ctrls))
	return n, h, nil
}

func closeNode(n *node.Node, h *hardware) {
	if err := n.Close(); err != nil {
		slog.Warn("node close error", "error", err)
	}
	if err := h.Close(); err != nil {
		slog.Warn("backend close error", "error", err)
	}
}
