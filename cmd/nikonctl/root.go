package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wbuchanan/nikonctl/internal/config"
	"github.com/wbuchanan/nikonctl/internal/debug"
)

// Local variables for flag binding (Cobra requires pointers to local vars)
var (
	cfgPath    string
	debugLevel int
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nikonctl",
		Short: "Drive and monitor multi-shot capture sequences on a Nikon camera",
		Long: `nikonctl starts burst capture sequences on a networked Nikon camera
and tracks their real progress: shots completed, early device-side
completion, busy periods and cancellation.

Examples:
  # Run a 24-shot sequence from the terminal
  nikonctl shoot --count 24

  # Start the web control server (REST + websocket progress stream)
  nikonctl serve

  # Use a different config file and verbose logging
  nikonctl shoot --config configs/studio.yaml --debug 3 --count 12`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", filepath.Join("configs", "default.yaml"),
		"Path to config file")
	cmd.PersistentFlags().IntVar(&debugLevel, "debug", -1,
		"Debug level 0-4, overrides the config value")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewShootCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// loadConfig reads the config file, applies the --debug override and
// initializes the debug system.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if debugLevel >= 0 {
		cfg.Defaults.DebugLevel = debugLevel
	}
	debug.Init(cfg.Defaults.DebugLevel)
	return cfg, nil
}
