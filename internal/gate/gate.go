// Package gate runs the external check that evaluates code against the
// specification.
package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/Ship-Gate/ShipGate-sub013/internal/codemap"
	"github.com/Ship-Gate/ShipGate-sub013/internal/ingest"
	"github.com/Ship-Gate/ShipGate-sub013/internal/violation"
	"github.com/Ship-Gate/ShipGate-sub013/internal/workspace"
	"github.com/rs/zerolog/log"
)

// Gate evaluates a code state. An error means the gate could not run; it is
// never a violation.
type Gate interface {
	Run(ctx context.Context, code codemap.CodeMap) (violation.Report, error)
}

// Func adapts a function to Gate.
type Func func(ctx context.Context, code codemap.CodeMap) (violation.Report, error)

func (f Func) Run(ctx context.Context, code codemap.CodeMap) (violation.Report, error) {
	return f(ctx, code)
}

// Command materializes the code map into a scratch directory and runs an
// external gate there, parsing its stdout.
type Command struct {
	Cmd    []string
	Format ingest.Format
	Env    []string
}

func (c Command) Run(ctx context.Context, code codemap.CodeMap) (violation.Report, error) {
	if len(c.Cmd) == 0 {
		return violation.Report{}, errors.New("gate command is empty")
	}
	dir, err := os.MkdirTemp("", "shipgate-gate-*")
	if err != nil {
		return violation.Report{}, fmt.Errorf("create gate dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := workspace.Materialize(dir, code); err != nil {
		return violation.Report{}, fmt.Errorf("materialize code: %w", err)
	}

	log.Debug().Str("dir", dir).Strs("cmd", c.Cmd).Msg("running gate")
	cmd := exec.CommandContext(ctx, c.Cmd[0], c.Cmd[1:]...)
	cmd.Dir = dir
	cmd.Env = append(append(os.Environ(), c.Env...), "SHIPGATE_TARGET_DIR="+dir)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return violation.Report{}, ctxErr
	}
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return violation.Report{}, fmt.Errorf("run gate: %w", runErr)
	}

	report, err := ingest.Parse(stdout.Bytes(), c.Format)
	if err != nil {
		if runErr != nil {
			return violation.Report{}, fmt.Errorf("gate exited with %v: %s", runErr, strings.TrimSpace(stderr.String()))
		}
		return violation.Report{}, err
	}
	return report, nil
}

// Static replays fixed reports keyed by code hash, falling back to Default.
// It is intended for dry runs and tests.
type Static struct {
	ByHash  map[string]violation.Report
	Default violation.Report
}

func (s Static) Run(_ context.Context, code codemap.CodeMap) (violation.Report, error) {
	if r, ok := s.ByHash[code.Hash()]; ok {
		return r, nil
	}
	return s.Default, nil
}
