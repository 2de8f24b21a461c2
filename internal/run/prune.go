package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Ship-Gate/ShipGate-sub013/internal/config"
	"github.com/Ship-Gate/ShipGate-sub013/internal/db"
	"github.com/rs/zerolog/log"
)

// PruneResult summarizes a prune operation.
type PruneResult struct {
	Considered int
	Kept       int
	Deleted    int
	Skipped    int
}

// PruneSessions deletes old session records and their directories. Running
// sessions are always kept. The caller holds the session lock.
func PruneSessions(ctx context.Context, store *db.Store, sessionsDir string, policy config.RetentionPolicy, now time.Time, dryRun bool) (PruneResult, error) {
	if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
		return PruneResult{}, nil
	}
	cutoff := time.Time{}
	if policy.KeepDays > 0 {
		cutoff = now.UTC().Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)
	}
	sessions, err := store.ListSessions(ctx, 0)
	if err != nil {
		return PruneResult{}, err
	}

	res := PruneResult{Considered: len(sessions)}
	for idx, s := range sessions {
		if keepSession(idx, s, policy, cutoff) {
			res.Kept++
			continue
		}
		if dryRun {
			res.Deleted++
			continue
		}
		dir := s.Dir
		if dir == "" {
			dir = filepath.Join(sessionsDir, s.ID)
		}
		if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("cannot remove session dir")
			res.Skipped++
			continue
		}
		if err := store.DeleteSession(ctx, s.ID); err != nil {
			return res, fmt.Errorf("prune: %w", err)
		}
		res.Deleted++
	}
	return res, nil
}

func keepSession(idx int, s db.SessionRecord, policy config.RetentionPolicy, cutoff time.Time) bool {
	if s.Status == db.StatusRunning {
		return true
	}
	if policy.KeepLast > 0 && idx < policy.KeepLast {
		return true
	}
	if policy.KeepDays > 0 {
		created, err := time.Parse(time.RFC3339, s.CreatedAt)
		if err != nil || created.After(cutoff) {
			return true
		}
	}
	return false
}
