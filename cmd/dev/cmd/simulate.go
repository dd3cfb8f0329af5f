package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
)

// SimulateCmd runs the node on emulated buses and dumps the recorded trace.
func SimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the node on simulated sensors and dump its bus trace",
		RunE: func(cmd *cobra.Command, args []string) error {
			duration, err := cmd.Flags().GetDuration("duration")
			if err != nil {
				return fmt.Errorf("could not get duration flag: %w", err)
			}
			tracePath, err := cmd.Flags().GetString("trace")
			if err != nil {
				return fmt.Errorf("could not get trace flag: %w", err)
			}
			if err := os.MkdirAll("dist", 0o755); err != nil {
				return fmt.Errorf("could not create dist: %w", err)
			}
			run := []string{"run", "./cmd/sensornode", "run", "--backend", "sim",
				"--duration", duration.String(), "--trace", tracePath}
			if config, _ := cmd.Flags().GetString("config"); config != "" {
				run = append(run, "--config", config)
			}
			if err := goRun(run...); err != nil {
				return fmt.Errorf("simulation failed: %w", err)
			}
			if dump, _ := cmd.Flags().GetBool("dump"); dump {
				return goRun("run", "./cmd/sensornode", "trace", "dump", tracePath)
			}
			return nil
		},
	}
	cmd.Flags().Duration("duration", 10*time.Second, "simulated run time")
	cmd.Flags().String("trace", "dist/sim.trace", "trace output file")
	cmd.Flags().String("config", "", "node configuration file")
	cmd.Flags().Bool("dump", false, "print the trace after the run")
	return cmd
}

func goRun(args ...string) error {
	slog.Info("running", "cmd", "go", "args", args)
	c := exec.Command("go", args...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}
