package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/sensornode/cmd/sensornode/console"
	"github.com/mklimuk/sensornode/i2c"
	"github.com/mklimuk/sensornode/node"
)

const shellHelp = `commands:
  read <bus> <address> <command> [command-length] [length]
  write <bus> <address> <command> [command-length]
  press odd|even
  status
  readings
  quit`

var consoleCmd = cli.Command{
	Name:  "console",
	Usage: "interactive shell on a running node",
	Flags: nodeFlags,
	Action: func(c *cli.Context) error {
		ctx, cancel := context.WithCancel(c.Context)
		defer cancel()
		n, h, err := openNode(ctx, c)
		if err != nil {
			return err
		}
		defer closeNode(n, h)
		done := make(chan error, 1)
		go func() { done <- n.Run(ctx) }()

		sh, err := console.NewShell("sensornode> ", "read", "write", "press", "status", "readings", "help", "quit")
		if err != nil {
			return console.Fail("could not start shell", err)
		}
		defer sh.Close()
		console.Print(shellHelp)
		for {
			select {
			case err := <-done:
				return console.Fail("node stopped", err)
			default:
			}
			args, err := sh.Next()
			if errors.Is(err, console.ErrQuit) {
				return nil
			}
			if err != nil {
				return console.Fail("shell error", err)
			}
			if err := execute(ctx, n, args); err != nil {
				console.Errorf("%s", err)
			}
		}
	},
}

func execute(ctx context.Context, n *node.Node, args []string) error {
	switch args[0] {
	case "read", "write":
		write := args[0] == "write"
		if len(args) < 4 {
			return fmt.Errorf("%s needs a bus, an address and a command", args[0])
		}
		bus, err := strconv.ParseUint(args[1], 0, 8)
		if err != nil {
			return fmt.Errorf("bus %q: %w", args[1], err)
		}
		cmdLen, length := 1, 2
		if len(args) > 4 {
			if cmdLen, err = strconv.Atoi(args[4]); err != nil {
				return fmt.Errorf("command length %q: %w", args[4], err)
			}
		}
		if len(args) > 5 && !write {
			if length, err = strconv.Atoi(args[5]); err != nil {
				return fmt.Errorf("length %q: %w", args[5], err)
			}
		}
		req, err := parseRequest(args[2], args[3], cmdLen, length, write)
		if err != nil {
			return err
		}
		return transact(ctx, n, i2c.BusID(bus), req)
	case "press":
		if len(args) != 2 {
			return errors.New("press needs odd or even")
		}
		switch args[1] {
		case "odd":
			n.Press(node.ButtonOdd)
		case "even":
			n.Press(node.ButtonEven)
		default:
			return fmt.Errorf("unknown button %q", args[1])
		}
		console.PInfof(console.PictoButton, "%s pressed", args[1])
	case "status":
		return printYAML(n.Status())
	case "readings":
		r := n.Readings()
		console.PInfof(console.PictoThermometer, "%s °C (%d)", console.White(fmt.Sprintf("%.2f", r.Temperature)), r.TemperatureRounded)
		console.PInfof(console.PictoHumidity, "%s %%", console.White(fmt.Sprintf("%.2f", r.Humidity)))
		console.PInfof(console.PictoThermometer, "SHTC3 %s °C %s %%", console.White(fmt.Sprintf("%.2f", r.SHTC3Temperature)), console.White(fmt.Sprintf("%.2f", r.SHTC3Humidity)))
	case "help":
		console.Print(shellHelp)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

func printYAML(v interface{}) error {
	enc := yaml.NewEncoder(console.Output())
	defer enc.Close()
	return enc.Encode(v)
}
