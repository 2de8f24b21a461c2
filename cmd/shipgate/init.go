package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Ship-Gate/ShipGate-sub013/internal/config"
	"github.com/Ship-Gate/ShipGate-sub013/internal/workspace"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the .shipgate directory of a target",
		Long:  "Initialize a target by creating the .shipgate directory and installing a default config.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := resolveTarget(target)
			if err != nil {
				return err
			}
			if err := initTarget(root); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "shipgate initialized successfully")
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", ".", "directory to initialize")
	return cmd
}

func initTarget(root string) error {
	dir := stateDir(root)
	log.Info().Str("dir", dir).Msg("creating shipgate directory")
	for _, sub := range []string{"sessions", "locks"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("create %s dir: %w", sub, err)
		}
	}

	configPath := resolveConfigPath(root, config.DefaultPath)
	if _, err := os.Stat(configPath); err == nil {
		log.Info().Str("path", configPath).Msg("config already exists, skipping")
		return nil
	}
	log.Info().Str("path", configPath).Msg("installing default config")
	if err := workspace.WriteFileAtomic(configPath, []byte(config.DefaultYAML)); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}
