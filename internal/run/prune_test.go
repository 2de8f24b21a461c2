package run

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Ship-Gate/ShipGate-sub013/internal/config"
	"github.com/Ship-Gate/ShipGate-sub013/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pruneNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// seedSessions creates one finished session per age in days, newest first,
// plus a running session older than all of them.
func seedSessions(t *testing.T, ages ...int) (*db.Store, string) {
	t.Helper()

	ctx := context.Background()
	root := t.TempDir()
	sessionsDir := filepath.Join(root, "sessions")
	database, err := db.Open(filepath.Join(root, "shipgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	store := db.NewStore(database)

	add := func(id string, age int, finish bool) {
		dir := filepath.Join(sessionsDir, id)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, store.CreateSession(ctx, db.Session{ID: id, Target: root, SpecHash: "h", Dir: dir}))
		if finish {
			require.NoError(t, store.FinishSession(ctx, id, db.Finish{OK: true, Reason: "shipped"}))
		}
		created := pruneNow.Add(-time.Duration(age) * 24 * time.Hour).Format(time.RFC3339)
		_, err := database.ExecContext(ctx, `UPDATE sessions SET created_at=? WHERE session_id=?`, created, id)
		require.NoError(t, err)
	}
	for i, age := range ages {
		add(string(rune('a'+i)), age, true)
	}
	add("running", 365, false)
	return store, sessionsDir
}

func sessionIDs(t *testing.T, store *db.Store) []string {
	t.Helper()
	sessions, err := store.ListSessions(context.Background(), 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestPruneSessions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy config.RetentionPolicy
		want   []string
		result PruneResult
	}{
		{
			name:   "keep last",
			policy: config.RetentionPolicy{KeepLast: 2},
			want:   []string{"a", "b", "running"},
			result: PruneResult{Considered: 5, Kept: 3, Deleted: 2},
		},
		{
			name:   "keep days",
			policy: config.RetentionPolicy{KeepDays: 10},
			want:   []string{"a", "b", "running"},
			result: PruneResult{Considered: 5, Kept: 3, Deleted: 2},
		},
		{
			name:   "either rule keeps",
			policy: config.RetentionPolicy{KeepLast: 3, KeepDays: 1},
			want:   []string{"a", "b", "c", "running"},
			result: PruneResult{Considered: 5, Kept: 4, Deleted: 1},
		},
		{
			name:   "no policy",
			policy: config.RetentionPolicy{},
			want:   []string{"a", "b", "c", "d", "running"},
			result: PruneResult{},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store, sessionsDir := seedSessions(t, 0, 5, 20, 40)
			res, err := PruneSessions(context.Background(), store, sessionsDir, tt.policy, pruneNow, false)
			require.NoError(t, err)
			assert.Equal(t, tt.result, res)
			assert.Equal(t, tt.want, sessionIDs(t, store))
			for _, id := range []string{"a", "b", "c", "d", "running"} {
				kept := false
				for _, w := range tt.want {
					kept = kept || w == id
				}
				_, statErr := os.Stat(filepath.Join(sessionsDir, id))
				assert.Equal(t, kept, statErr == nil, "session dir %s", id)
			}
		})
	}
}

func TestPruneSessions_DryRun(t *testing.T) {
	t.Parallel()

	store, sessionsDir := seedSessions(t, 0, 5, 20)
	res, err := PruneSessions(context.Background(), store, sessionsDir, config.RetentionPolicy{KeepLast: 1}, pruneNow, true)
	require.NoError(t, err)
	assert.Equal(t, PruneResult{Considered: 4, Kept: 2, Deleted: 2}, res)
	assert.Equal(t, []string{"a", "b", "c", "running"}, sessionIDs(t, store))
	assert.DirExists(t, filepath.Join(sessionsDir, "c"))
}
