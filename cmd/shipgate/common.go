package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Ship-Gate/ShipGate-sub013/internal/config"
	"github.com/Ship-Gate/ShipGate-sub013/internal/db"
	"github.com/Ship-Gate/ShipGate-sub013/internal/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const dbFile = "shipgate.db"

func resolveTarget(target string) (string, error) {
	if target == "" {
		target = "."
	}
	root, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve target: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("target: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("target %s is not a directory", root)
	}
	return root, nil
}

func resolveConfigPath(root, path string) string {
	if path == "" {
		path = config.DefaultPath
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

func loadConfig(root string) (config.Config, error) {
	return config.Load(viper.New(), resolveConfigPath(root, cfgFile))
}

func stateDir(root string) string {
	return filepath.Join(root, run.StateDirName)
}

func openDB(root string) (*sql.DB, error) {
	dir := stateDir(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	database, err := db.Open(filepath.Join(dir, dbFile))
	if err != nil {
		return nil, err
	}
	if v, err := db.SchemaVersion(database); err == nil {
		log.Debug().Int64("schema_version", v).Str("dir", dir).Msg("session db opened")
	}
	return database, nil
}
