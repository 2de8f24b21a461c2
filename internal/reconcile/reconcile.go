// Package reconcile repairs session state left behind by a crashed or killed process.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Ship-Gate/ShipGate-sub013/internal/db"
	"github.com/rs/zerolog/log"
)

// Run marks sessions still in the running state as interrupted. It must be
// called while holding the session lock so no live session is affected.
func Run(ctx context.Context, database *sql.DB, stateDir string) error {
	ids, err := db.NewStore(database).MarkInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("reconcile sessions: %w", err)
	}
	for _, id := range ids {
		log.Warn().Str("session_id", id).Str("state_dir", stateDir).Msg("marked orphaned session as interrupted")
	}
	return nil
}
