// Package run drives healing sessions against a target directory: locking,
// session bookkeeping, proof artifacts and optional write-back.
package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Ship-Gate/ShipGate-sub013/internal/checks"
	"github.com/Ship-Gate/ShipGate-sub013/internal/codemap"
	"github.com/Ship-Gate/ShipGate-sub013/internal/config"
	"github.com/Ship-Gate/ShipGate-sub013/internal/db"
	"github.com/Ship-Gate/ShipGate-sub013/internal/gate"
	"github.com/Ship-Gate/ShipGate-sub013/internal/git"
	"github.com/Ship-Gate/ShipGate-sub013/internal/heal"
	"github.com/Ship-Gate/ShipGate-sub013/internal/procedure"
	"github.com/Ship-Gate/ShipGate-sub013/internal/proof"
	"github.com/Ship-Gate/ShipGate-sub013/internal/reconcile"
	"github.com/Ship-Gate/ShipGate-sub013/internal/spec"
	"github.com/Ship-Gate/ShipGate-sub013/internal/workspace"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// StateDirName is the per-target working directory.
const StateDirName = ".shipgate"

// Artifact file names inside a session directory.
const (
	ProofFile   = "proof.json"
	SummaryFile = "proof.md"
)

// Deps are the healing collaborators shared by every session.
type Deps struct {
	Registry *procedure.Registry
	Gate     gate.Gate
	Checks   checks.Runner
	Observer heal.Observer
}

// Runner executes healing sessions for one target root.
type Runner struct {
	root     string
	stateDir string
	cfg      config.Config
	store    *db.Store
	deps     Deps
	newID    func() string
}

// Request selects what a session heals and what happens to the result.
type Request struct {
	Spec *spec.Specification
	// MaxIterations overrides healing.max_iterations when positive.
	MaxIterations int
	// Write commits healed files back to the target after a shipped session.
	Write bool
	// GitCommit records the written files in a git commit. Implies Write.
	GitCommit bool
}

// Result summarizes a finished session.
type Result struct {
	SessionID string
	Dir       string
	ProofPath string
	Heal      heal.Result
	Written   []string
	Commit    string
}

// NewRunner constructs a Runner.
func NewRunner(root string, cfg config.Config, store *db.Store, deps Deps) (*Runner, error) {
	switch {
	case store == nil:
		return nil, errors.New("session store is required")
	case deps.Registry == nil:
		return nil, errors.New("procedure registry is required")
	case deps.Gate == nil:
		return nil, errors.New("gate is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve target: %w", err)
	}
	return &Runner{
		root:     abs,
		stateDir: filepath.Join(abs, StateDirName),
		cfg:      cfg,
		store:    store,
		deps:     deps,
		newID:    newSessionID,
	}, nil
}

// Heal runs one session. Errors are returned only for bookkeeping failures;
// a failed healing outcome is reported through Result.Heal.
func (r *Runner) Heal(ctx context.Context, req Request) (res Result, err error) {
	if req.Spec == nil {
		return Result{}, errors.New("specification is required")
	}
	startedAt := time.Now().UTC()
	defer func() {
		if res.SessionID == "" {
			return
		}
		event := log.Info().
			Str("session_id", res.SessionID).
			Str("reason", string(res.Heal.Reason)).
			Int("iterations", res.Heal.Iterations).
			Dur("duration", time.Since(startedAt))
		if err != nil {
			event = event.Err(err)
		}
		event.Msg("session finished")
	}()

	lock, err := AcquireSessionLock(r.stateDir)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = lock.Release() }()

	if err := reconcile.Run(ctx, r.store.DB(), r.stateDir); err != nil {
		return Result{}, err
	}

	identity, err := req.Spec.Identity()
	if err != nil {
		return Result{}, fmt.Errorf("specification identity: %w", err)
	}

	id := r.newID()
	dir := filepath.Join(r.stateDir, "sessions", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create session dir: %w", err)
	}
	if err := r.store.CreateSession(ctx, db.Session{ID: id, Target: r.root, SpecHash: identity.Hash, Dir: dir}); err != nil {
		return Result{}, err
	}
	res = Result{SessionID: id, Dir: dir}

	orch, code, err := r.prepare(id, req)
	if err != nil {
		r.abandon(ctx, id, err)
		return res, err
	}

	res.Heal = orch.Heal(ctx, code)
	// Bookkeeping must survive a canceled session context.
	bg := context.WithoutCancel(ctx)

	if res.Heal.Proof != nil {
		path, err := r.writeProof(dir, res.Heal.Proof)
		if err != nil {
			r.abandon(bg, id, err)
			return res, err
		}
		res.ProofPath = path
	}

	if res.Heal.OK && (req.Write || req.GitCommit) && len(res.Heal.Touched) > 0 {
		if err := workspace.Commit(r.root, res.Heal.Code, res.Heal.Touched); err != nil {
			r.abandon(bg, id, err)
			return res, fmt.Errorf("write healed files: %w", err)
		}
		res.Written = res.Heal.Touched
		if req.GitCommit {
			hash, err := git.Commit(bg, r.root, res.Written, commitMessage(id, res.Heal))
			switch {
			case errors.Is(err, git.ErrNothingToCommit):
			case err != nil:
				r.abandon(bg, id, err)
				return res, fmt.Errorf("commit healed files: %w", err)
			default:
				res.Commit = hash
			}
		}
	}

	fin := db.Finish{OK: res.Heal.OK, Reason: string(res.Heal.Reason), Iterations: res.Heal.Iterations}
	if res.Heal.Proof != nil {
		fin.BundleID = res.Heal.Proof.BundleID
	}
	if err := r.store.FinishSession(bg, id, fin); err != nil {
		return res, err
	}
	return res, nil
}

func (r *Runner) prepare(id string, req Request) (*heal.Orchestrator, codemap.CodeMap, error) {
	code, err := workspace.Load(r.root, r.cfg.Workspace.Include, r.cfg.Workspace.Exclude)
	if err != nil {
		return nil, nil, err
	}
	key, err := r.cfg.SigningKey(r.root)
	if err != nil {
		return nil, nil, err
	}
	hc := r.cfg.Healing
	if req.MaxIterations > 0 {
		hc.MaxIterations = req.MaxIterations
	}
	logger := log.With().Str("session_id", id).Logger()
	orch, err := heal.New(heal.Options{
		Config:   hc,
		Spec:     req.Spec,
		Registry: r.deps.Registry,
		Gate:     r.deps.Gate,
		Checks:   r.deps.Checks,
		Sink:     r.store.Sink(id),
		Proof:    &proof.Builder{Signer: key},
		Observer: r.deps.Observer,
		Logger:   &logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return orch, code, nil
}

func (r *Runner) writeProof(dir string, b *proof.Bundle) (string, error) {
	data, err := b.JSON()
	if err != nil {
		return "", fmt.Errorf("encode proof: %w", err)
	}
	path := filepath.Join(dir, ProofFile)
	if err := workspace.WriteFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("write proof: %w", err)
	}
	if err := workspace.WriteFileAtomic(filepath.Join(dir, SummaryFile), []byte(proof.Markdown(b))); err != nil {
		return "", fmt.Errorf("write proof summary: %w", err)
	}
	return path, nil
}

// abandon closes a session that failed outside the healing loop.
func (r *Runner) abandon(ctx context.Context, id string, cause error) {
	fin := db.Finish{Reason: string(heal.ReasonInfraError)}
	if err := r.store.FinishSession(ctx, id, fin); err != nil {
		log.Error().Err(err).Str("session_id", id).AnErr("cause", cause).Msg("failed to close session")
	}
}

func commitMessage(id string, res heal.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "fix: heal %d file(s) in %d iteration(s)\n\n", len(res.Touched), res.Iterations)
	for _, f := range res.Touched {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	fmt.Fprintf(&b, "\nSession: %s\n", id)
	if res.Proof != nil {
		fmt.Fprintf(&b, "Proof: %s\n", res.Proof.BundleID)
	}
	return b.String()
}

func newSessionID() string {
	ts := time.Now().UTC().Format("20060102-150405")
	return fmt.Sprintf("%s-%s", ts, uuid.NewString()[:8])
}
