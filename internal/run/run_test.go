package run

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Ship-Gate/ShipGate-sub013/internal/checks"
	"github.com/Ship-Gate/ShipGate-sub013/internal/config"
	"github.com/Ship-Gate/ShipGate-sub013/internal/db"
	"github.com/Ship-Gate/ShipGate-sub013/internal/fixes"
	"github.com/Ship-Gate/ShipGate-sub013/internal/heal"
	"github.com/Ship-Gate/ShipGate-sub013/internal/proof"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usersTS = `import { logger } from './logger'

export function createUser(req, res) {
  logger.info(req.body)
  const user = save(req.body)
  res.json(user)
}
`

func newTestRunner(t *testing.T, root string, mutate func(*config.Config, *Deps)) (*Runner, *db.Store) {
	t.Helper()

	stateDir := filepath.Join(root, StateDirName)
	require.NoError(t, os.MkdirAll(stateDir, 0o755))
	database, err := db.Open(filepath.Join(stateDir, "shipgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	store := db.NewStore(database)

	registry, err := fixes.Registry()
	require.NoError(t, err)
	cfg := config.Config{Healing: heal.DefaultConfig()}
	deps := Deps{
		Registry: registry,
		Gate:     fixes.Gate(),
		Checks:   checks.Static{Kinds: map[string]checks.Kind{fixes.CheckBuild: checks.KindBuild}},
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	runner, err := NewRunner(root, cfg, store, deps)
	require.NoError(t, err)
	return runner, store
}

func writeTarget(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readTarget(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func TestRunner_HealsAndWritesBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	writeTarget(t, root, "src/users.ts", usersTS)
	runner, store := newTestRunner(t, root, nil)

	res, err := runner.Heal(ctx, Request{Spec: fixes.Spec(), Write: true})
	require.NoError(t, err)
	require.True(t, res.Heal.OK, res.Heal.Diagnostics)
	assert.Equal(t, heal.ReasonShipped, res.Heal.Reason)
	assert.Equal(t, []string{"src/users.ts"}, res.Written)
	assert.Empty(t, res.Commit)

	healed := readTarget(t, root, "src/users.ts")
	assert.Contains(t, healed, "rateLimit(req)")
	assert.Contains(t, healed, "audit('createUser', req)")
	assert.Contains(t, healed, "redact(req.body)")

	data, err := os.ReadFile(res.ProofPath)
	require.NoError(t, err)
	bundle, err := proof.Parse(data)
	require.NoError(t, err)
	require.NoError(t, proof.Verify(bundle, nil))
	assert.Equal(t, res.Heal.Proof.BundleID, bundle.BundleID)
	assert.FileExists(t, filepath.Join(res.Dir, SummaryFile))

	sessions, err := store.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, res.SessionID, sessions[0].ID)
	assert.Equal(t, db.StatusFinished, sessions[0].Status)
	assert.True(t, sessions[0].OK)
	assert.Equal(t, bundle.BundleID, sessions[0].BundleID)
	assert.Equal(t, res.Heal.Iterations, sessions[0].Iterations)
}

func TestRunner_DryRunLeavesTargetUntouched(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTarget(t, root, "src/users.ts", usersTS)
	runner, _ := newTestRunner(t, root, nil)

	res, err := runner.Heal(context.Background(), Request{Spec: fixes.Spec()})
	require.NoError(t, err)
	require.True(t, res.Heal.OK)
	assert.Empty(t, res.Written)
	assert.Equal(t, usersTS, readTarget(t, root, "src/users.ts"))
}

func TestRunner_FailedSessionIsRecorded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	writeTarget(t, root, "src/users.ts", usersTS)
	runner, store := newTestRunner(t, root, func(_ *config.Config, deps *Deps) {
		deps.Checks = checks.Static{
			Kinds:   map[string]checks.Kind{fixes.CheckBuild: checks.KindBuild},
			Failing: map[string]bool{fixes.CheckBuild: true},
		}
	})

	res, err := runner.Heal(ctx, Request{Spec: fixes.Spec(), Write: true})
	require.NoError(t, err)
	assert.False(t, res.Heal.OK)
	assert.Equal(t, heal.ReasonBuildFailed, res.Heal.Reason)
	assert.Empty(t, res.Written)
	assert.Equal(t, usersTS, readTarget(t, root, "src/users.ts"))
	assert.FileExists(t, res.ProofPath)

	sessions, err := store.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].OK)
	assert.Equal(t, "build_failed", sessions[0].Reason)
}

func TestRunner_MaxIterationsOverride(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTarget(t, root, "src/users.ts", usersTS)
	runner, _ := newTestRunner(t, root, nil)

	_, err := runner.Heal(context.Background(), Request{Spec: fixes.Spec(), MaxIterations: heal.MaxIterationsLimit + 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max")
}

func TestRunner_SetupFailureClosesSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	writeTarget(t, root, "src/users.ts", usersTS)
	runner, store := newTestRunner(t, root, func(cfg *config.Config, _ *Deps) {
		cfg.Proof.SigningKey = "missing.key"
	})

	res, err := runner.Heal(ctx, Request{Spec: fixes.Spec()})
	require.Error(t, err)
	require.NotEmpty(t, res.SessionID)

	status, err := store.GetSessionStatus(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFinished, status)
	sessions, err := store.ListSessions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "infra_error", sessions[0].Reason)
}

func TestRunner_ReconcilesInterruptedSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	writeTarget(t, root, "main.go", "package main\n\nfunc main() {}\n")
	runner, store := newTestRunner(t, root, nil)
	require.NoError(t, store.CreateSession(ctx, db.Session{ID: "crashed", Target: root, SpecHash: "h", Dir: "d"}))

	res, err := runner.Heal(ctx, Request{Spec: fixes.Spec()})
	require.NoError(t, err)
	assert.True(t, res.Heal.OK)
	assert.False(t, res.Heal.Proof.Healing.Performed)

	status, err := store.GetSessionStatus(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, db.StatusInterrupted, status)
}

func TestRunner_GitCommit(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	root := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.name", "Shipgate Test"},
		{"config", "user.email", "shipgate-test@example.com"},
		{"config", "commit.gpgsign", "false"},
	} {
		runGit(t, root, args...)
	}
	writeTarget(t, root, "src/users.ts", usersTS)
	writeTarget(t, root, ".gitignore", ".shipgate/\n")
	runGit(t, root, "add", ".")
	runGit(t, root, "commit", "-m", "chore: initial")

	runner, _ := newTestRunner(t, root, nil)
	res, err := runner.Heal(ctx, Request{Spec: fixes.Spec(), GitCommit: true})
	require.NoError(t, err)
	require.True(t, res.Heal.OK)
	require.NotEmpty(t, res.Commit)

	msg := runGit(t, root, "log", "-1", "--pretty=%B")
	assert.Contains(t, msg, "Session: "+res.SessionID)
	assert.Contains(t, msg, "Proof: "+res.Heal.Proof.BundleID)
	assert.Empty(t, strings.TrimSpace(runGit(t, root, "status", "--porcelain")))
}

func TestTryAcquireSessionLock(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	held, err := AcquireSessionLock(stateDir)
	require.NoError(t, err)

	second, ok, err := TryAcquireSessionLock(stateDir)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, second)

	require.NoError(t, held.Release())
	again, ok, err := TryAcquireSessionLock(stateDir)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, again.Release())
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return string(out)
}
