package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/knocktwice/internal/config"
	"github.com/example/knocktwice/internal/logging"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

var configPath string

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "knocktwice",
		Short:        "Order sessions, delivery slot booking and the order ledger for a takeaway kitchen",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("KNOCK_CONFIG"), "YAML config file (env KNOCK_* overrides it)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newServerCmd())
	root.AddCommand(newAdminCmd())
	root.AddCommand(newOrderCmd())
	root.AddCommand(newSlotsCmd())
	root.AddCommand(newNotifyCmd())

	return root
}

// loadConfig reads the config and initializes the process logger for
// component.
func loadConfig(component string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logging.Init(component, cfg.Log.File, cfg.Log.Level), nil
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
