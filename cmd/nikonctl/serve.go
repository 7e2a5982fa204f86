package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wbuchanan/nikonctl/internal/config"
	"github.com/wbuchanan/nikonctl/internal/debug"
	"github.com/wbuchanan/nikonctl/internal/history"
	"github.com/wbuchanan/nikonctl/internal/hw/device"
	"github.com/wbuchanan/nikonctl/internal/hw/gpio"
	"github.com/wbuchanan/nikonctl/internal/hw/panel"
	"github.com/wbuchanan/nikonctl/internal/logic/capture"
	"github.com/wbuchanan/nikonctl/internal/web"
)

var serveAddr string

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the web control server",
		Long: `Run the web control server.

Exposes a JSON API to start and cancel capture sequences, a websocket
stream of live progress, and the run history. If the control panel is
enabled in the config, the hardware cancel button and status LED are
wired up as well.

Examples:
  # Serve on the configured address (default :8080)
  nikonctl serve

  # Serve on a custom address
  nikonctl serve --addr :8980`,
		RunE: runServe,
	}

	cmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address, overrides the config value")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Web.Addr = serveAddr
	}

	debug.Section("Initialization")
	debug.Value("Config path", cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Device transport", cfg.Device.Transport)

	debug.Step(1, "Connecting device command channel")
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
	runner := capture.NewRunner(monitor)

	debug.Step(2, "Opening run history")
	var hist *history.Store
	if cfg.History.Path != "" {
		hist, err = history.Open(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer hist.Close()
		debug.Value("History path", cfg.History.Path)
	} else {
		debug.Value("History", "disabled")
	}

	hub := web.NewHub()
	debug.SetOutput(io.MultiWriter(os.Stdout, web.LogWriter(hub)))

	if cfg.Panel.Enabled {
		debug.Step(3, "Initializing control panel")
		if err := startPanel(ctx, cfg, runner); err != nil {
			return fmt.Errorf("init panel: %w", err)
		}
	}

	handlers := web.NewHandlers(hub, runner, hist, web.FormConfig{
		ShotCount: cfg.Defaults.ShotCount,
	})
	srv := web.NewServer(cfg.Web.Addr, handlers)
	return srv.Run(ctx)
}

// startPanel wires the hardware cancel button to the runner and drives
// the status LED from the runner state.
func startPanel(ctx context.Context, cfg *config.Config, runner *capture.Runner) error {
	debug.Value("Mock GPIO", cfg.Panel.MockGPIO)
	driver, err := gpio.NewDriver(cfg.Panel.MockGPIO)
	if err != nil {
		return err
	}

	pnl, err := panel.New(driver, panel.Config{
		CancelPin: cfg.Panel.CancelPin,
		LEDPin:    cfg.Panel.LEDPin,
		PollRate:  cfg.PanelPollRate(),
	})
	if err != nil {
		driver.Close()
		return err
	}
	pnl.SetCancelFunc(func() {
		if runner.Cancel() {
			debug.Info("panel: cancel button pressed")
		}
	})

	go pnl.Run(ctx)
	go func() {
		defer driver.Close()
		ticker := time.NewTicker(cfg.PanelPollRate())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pnl.SetActive(runner.Running())
			}
		}
	}()
	return nil
}
