package main

import (
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sensornode/cmd/sensornode/console"
	"github.com/mklimuk/sensornode/trace"
)

var traceCmd = cli.Command{
	Name:  "trace",
	Usage: "inspect recorded bus traces",
	Subcommands: cli.Commands{
		&traceDumpCmd,
	},
}

var traceDumpCmd = cli.Command{
	Name:      "dump",
	Usage:     "print a trace as YAML",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		&cli.UintFlag{Name: "bus", Usage: "only records of this bus"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return console.Exit(1, "usage: sensornode trace dump <file>")
		}
		r, err := trace.Open(c.Args().First())
		if err != nil {
			return console.Fail("could not open trace", err)
		}
		defer r.Close()
		records, err := r.All()
		if err != nil {
			console.Warnf("trace truncated after %d records: %s", len(records), err)
		}
		if c.IsSet("bus") {
			kept := records[:0]
			for _, rec := range records {
				if uint(rec.Bus) == c.Uint("bus") {
					kept = append(kept, rec)
				}
			}
			records = kept
		}
		if err := printYAML(records); err != nil {
			return console.Fail("encoding error", err)
		}
		return nil
	},
}
