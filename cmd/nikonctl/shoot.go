package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wbuchanan/nikonctl/internal/debug"
	"github.com/wbuchanan/nikonctl/internal/history"
	"github.com/wbuchanan/nikonctl/internal/hw/device"
	"github.com/wbuchanan/nikonctl/internal/logic/capture"
)

var shootCount uint32

func NewShootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shoot",
		Short: "Run one capture sequence from the terminal",
		Long: `Run one capture sequence and block until it finishes.

Progress is printed per poll. Ctrl-C cancels the sequence cleanly: the
camera is told to stop and the shots taken so far are reported.

Examples:
  # Shoot the configured default count
  nikonctl shoot

  # Shoot 24 frames
  nikonctl shoot --count 24`,
		RunE: runShoot,
	}

	cmd.Flags().Uint32Var(&shootCount, "count", 0, "Number of shots, 0 uses the config default")

	return cmd
}

func runShoot(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	count := shootCount
	if count == 0 {
		count = cfg.Defaults.ShotCount
	}

	ch, err := device.NewChannel(cfg)
	if err != nil {
		return fmt.Errorf("open command channel: %w", err)
	}
	defer func() {
		if err := ch.Close(); err != nil {
			debug.Error(err)
		}
	}()

	monitor := capture.NewMonitor(ch, capture.Config{
		PollInterval:      cfg.PollInterval(),
		BusyWarnThreshold: cfg.Capture.BusyWarnThreshold,
		MaxPolls:          cfg.Capture.MaxPolls,
	})

	target := cfg.Device.Transport
	if cfg.Device.Address != "" {
		target += " " + cfg.Device.Address
	}
	fmt.Printf("Starting sequence: %d shots via %s\n", count, target)

	s, runErr := monitor.Run(ctx, count, printProgress)

	if cfg.History.Path != "" {
		if err := recordRun(cfg.History.Path, s); err != nil {
			debug.Error(err)
		}
	}

	printSummary(s)
	return runErr
}

func printProgress(p capture.Progress) {
	switch p.Status {
	case "active":
		fmt.Printf("  [%d/%d] %s\n", p.Completed, p.Total, p.Message)
	case "stopping":
		color.Yellow("  [%d/%d] %s", p.Completed, p.Total, p.Message)
	}
}

func printSummary(s *capture.Session) {
	if s == nil {
		return
	}

	var status string
	switch s.Status {
	case capture.StatusCompleted:
		status = color.GreenString(s.Status.String())
	case capture.StatusEarlyCompleted, capture.StatusCancelled:
		status = color.YellowString(s.Status.String())
	default:
		status = color.RedString(s.Status.String())
	}

	fmt.Println()
	fmt.Printf("Result:    %s\n", status)
	fmt.Printf("Shots:     %d/%d\n", s.Completed, s.EffectiveTotal)
	if s.EffectiveTotal != s.RequestedTotal {
		fmt.Printf("Requested: %d (device ended the sequence early)\n", s.RequestedTotal)
	}
	fmt.Printf("Duration:  %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
}

func recordRun(path string, s *capture.Session) error {
	hist, err := history.Open(path)
	if err != nil {
		return err
	}
	defer hist.Close()
	return hist.Record(s)
}
