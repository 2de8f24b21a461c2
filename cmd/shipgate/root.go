package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/Ship-Gate/ShipGate-sub013/internal/config"
	"github.com/Ship-Gate/ShipGate-sub013/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	debug     bool
	logFormat string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shipgate",
		Short:         "shipgate heals gate violations with registered fix procedures",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath, "config file path, relative to the target")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format: console or json")
	root.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return logging.Init(debug, logFormat)
	}
	root.AddCommand(initCmd())
	root.AddCommand(healCmd())
	root.AddCommand(sessionsCmd())
	root.AddCommand(verifyProofCmd())
	root.AddCommand(keygenCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
