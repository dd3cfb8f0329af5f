package main

import (
	"context"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sensornode/adapter"
	"github.com/mklimuk/sensornode/cmd/sensornode/console"
)

var mcp2221Cmd = cli.Command{
	Name:  "mcp2221",
	Usage: "inspect the MCP2221 USB bridge",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "index", Value: -1, Usage: "device index when several bridges are attached"},
	},
	Subcommands: cli.Commands{
		&mcp2221StatusCmd,
		&mcp2221ReleaseCmd,
		&mcp2221GPIOCmd,
	},
}

func openMCP2221(c *cli.Context) (*adapter.MCP2221, context.Context) {
	ctx := console.SetVerbose(c.Context, c.Bool("verbose"))
	return adapter.NewMCP2221(adapter.WithIndex(c.Int("index"))), ctx
}

var mcp2221StatusCmd = cli.Command{
	Name: "status",
	Action: func(c *cli.Context) error {
		a, ctx := openMCP2221(c)
		status, err := a.Status(ctx)
		if err != nil {
			return console.Fail("adapter communication error", err)
		}
		if err := printYAML(status); err != nil {
			return console.Fail("encoding error", err)
		}
		return nil
	},
}

var mcp2221ReleaseCmd = cli.Command{
	Name:  "release",
	Usage: "cancel the current transfer and free the bus",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"},
	},
	Action: func(c *cli.Context) error {
		if !c.Bool("yes") {
			answer, err := console.YesOrNo("cancel the transfer in progress?")
			if err != nil {
				return console.Fail("prompt error", err)
			}
			if answer != console.Yes {
				return nil
			}
		}
		a, ctx := openMCP2221(c)
		status, err := a.ReleaseBus(ctx)
		if err != nil {
			return console.Fail("adapter communication error", err)
		}
		if err := printYAML(status); err != nil {
			return console.Fail("encoding error", err)
		}
		return nil
	},
}

var mcp2221GPIOCmd = cli.Command{
	Name:  "gpio",
	Usage: "show the GP pins",
	Action: func(c *cli.Context) error {
		a, ctx := openMCP2221(c)
		values, err := a.ReadGPIO(ctx)
		if err != nil {
			return console.Fail("adapter communication error", err)
		}
		if err := printYAML(values); err != nil {
			return console.Fail("encoding error", err)
		}
		return nil
	},
}
