package db

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

type pragma struct {
	stmt     string
	optional bool
}

// Cascading deletes of iterations and events rely on foreign_keys. WAL is
// best effort since some filesystems cannot hold the shared memory file.
var sessionPragmas = []pragma{
	{stmt: "PRAGMA foreign_keys=ON;"},
	{stmt: "PRAGMA journal_mode=WAL;", optional: true},
	{stmt: "PRAGMA busy_timeout=5000;"},
}

// Open opens the session database, normally .shipgate/shipgate.db under the
// target, and brings the sessions, iterations and events tables up to the
// latest schema. A single connection serializes writers from the heal and
// sessions commands. path may be ":memory:" in tests.
func Open(path string) (*sql.DB, error) {
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db %s: %w", path, err)
	}
	database.SetMaxOpenConns(1)
	database.SetMaxIdleConns(1)

	for _, p := range sessionPragmas {
		if _, err := database.Exec(p.stmt); err != nil {
			if p.optional {
				log.Warn().Err(err).Str("pragma", p.stmt).Msg("session db: optional pragma not applied")
				continue
			}
			_ = database.Close()
			return nil, fmt.Errorf("session db pragma %q: %w", p.stmt, err)
		}
	}
	if err := migrate(database); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}

// SchemaVersion reports the applied session schema migration.
func SchemaVersion(database *sql.DB) (int64, error) {
	migrateMu.Lock()
	defer migrateMu.Unlock()
	if err := setupGoose(); err != nil {
		return 0, err
	}
	v, err := goose.GetDBVersion(database)
	if err != nil {
		return 0, fmt.Errorf("session schema version: %w", err)
	}
	return v, nil
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

func setupGoose() error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	return nil
}

func migrate(database *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()
	if err := setupGoose(); err != nil {
		return err
	}
	if err := goose.Up(database, "migrations"); err != nil {
		return fmt.Errorf("migrate session schema: %w", err)
	}
	return nil
}
