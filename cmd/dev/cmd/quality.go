package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gophertribe/devtool/test"
	"github.com/spf13/cobra"
)

type qualityStep struct {
	name string
	run  func() error
}

var (
	unitTests        = qualityStep{"unit tests", test.Test}
	lint             = qualityStep{"linting", test.Lint}
	integrationTests = qualityStep{"integration tests", test.Integ}
)

func (s qualityStep) command(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.exec()
		},
	}
}

func (s qualityStep) exec() error {
	slog.Info("running", "step", s.name)
	if err := s.run(); err != nil {
		return fmt.Errorf("%s failed: %w", s.name, err)
	}
	return nil
}

func TestCmd() *cobra.Command {
	return unitTests.command("test", "Run unit tests")
}

func LintCmd() *cobra.Command {
	return lint.command("lint", "Run linting (go vet included)")
}

func IntegrationTestCmd() *cobra.Command {
	return integrationTests.command("integration-test", "Run integration testing")
}

// CheckCmd is the gate before pushing: unit tests, lint and a short run of
// the node on simulated sensors.
func CheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run tests, linting and a short simulation",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, step := range []qualityStep{unitTests, lint} {
				if err := step.exec(); err != nil {
					return err
				}
			}
			duration, err := cmd.Flags().GetDuration("simulate")
			if err != nil {
				return fmt.Errorf("could not get simulate flag: %w", err)
			}
			if duration == 0 {
				return nil
			}
			trace, err := os.CreateTemp("", "sensornode-*.trace")
			if err != nil {
				return fmt.Errorf("could not create trace file: %w", err)
			}
			_ = trace.Close()
			defer os.Remove(trace.Name())
			if err := goRun("run", "./cmd/sensornode", "run", "--backend", "sim",
				"--duration", duration.String(), "--trace", trace.Name()); err != nil {
				return fmt.Errorf("simulation failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Duration("simulate", 7*time.Second, "simulated run time (0 skips the run)")
	return cmd
}
