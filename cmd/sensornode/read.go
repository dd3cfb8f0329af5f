package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sensornode/cmd/sensornode/console"
	"github.com/mklimuk/sensornode/i2c"
	"github.com/mklimuk/sensornode/node"
)

var readCmd = cli.Command{
	Name:      "read",
	Usage:     "run a single bus transaction",
	ArgsUsage: "<address> <command>",
	Flags: append([]cli.Flag{
		&cli.UintFlag{Name: "bus", Usage: "bus number"},
		&cli.IntFlag{Name: "command-length", Aliases: []string{"n"}, Value: 1, Usage: "command width in bytes"},
		&cli.IntFlag{Name: "length", Aliases: []string{"l"}, Value: 2, Usage: "bytes to read"},
		&cli.BoolFlag{Name: "write", Aliases: []string{"w"}, Usage: "send the command only"},
		&cli.DurationFlag{Name: "timeout", Value: 2 * time.Second},
	}, nodeFlags...),
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return console.Exit(1, "usage: sensornode read [flags] <address> <command>")
		}
		req, err := parseRequest(c.Args().Get(0), c.Args().Get(1), c.Int("command-length"), c.Int("length"), c.Bool("write"))
		if err != nil {
			return console.Fail("invalid request", err)
		}
		ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
		defer cancel()
		n, h, err := openNode(ctx, c)
		if err != nil {
			return err
		}
		defer closeNode(n, h)
		return transact(ctx, n, i2c.BusID(c.Uint("bus")), req)
	},
}

func parseRequest(addr, command string, cmdLen, length int, write bool) (i2c.Request, error) {
	a, err := strconv.ParseUint(addr, 0, 7)
	if err != nil {
		return i2c.Request{}, fmt.Errorf("address %q: %w", addr, err)
	}
	cmd, err := strconv.ParseUint(command, 0, 32)
	if err != nil {
		return i2c.Request{}, fmt.Errorf("command %q: %w", command, err)
	}
	req := i2c.Request{
		Address:    byte(a),
		Direction:  i2c.Read,
		Command:    uint32(cmd),
		CommandLen: cmdLen,
		Buffer:     new(uint64),
		Length:     length,
	}
	if write {
		req.Direction = i2c.Write
		req.Buffer = nil
		req.Length = 0
	}
	return req, req.Validate()
}

func transact(ctx context.Context, n *node.Node, bus i2c.BusID, req i2c.Request) error {
	if err := n.Do(ctx, bus, req); err != nil {
		return console.Fail("transaction failed", err)
	}
	if req.Direction == i2c.Write {
		console.PInfof(console.PictoBus, "%s %#02x <- %#x", bus, req.Address, req.Command)
		return nil
	}
	console.PInfof(console.PictoBus, "%s %#02x %#x -> %s (%d)", bus, req.Address, req.Command,
		console.White(fmt.Sprintf("%#0*x", 2*req.Length, *req.Buffer)), *req.Buffer)
	return nil
}
