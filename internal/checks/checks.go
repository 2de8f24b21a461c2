// Package checks reruns mandatory build and test checks against a candidate
// code state.
package checks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/Ship-Gate/ShipGate-sub013/internal/codemap"
	"github.com/Ship-Gate/ShipGate-sub013/internal/workspace"
	"github.com/rs/zerolog/log"
)

// Kind tells whether a failing check is a build or a test regression.
type Kind string

const (
	KindBuild Kind = "build"
	KindTest  Kind = "test"
)

// Outcome is the result of one check run.
type Outcome struct {
	Name   string `json:"name"`
	Kind   Kind   `json:"kind"`
	Passed bool   `json:"passed"`
	Output string `json:"output,omitempty"`
}

// ErrUnknownCheck is returned for names the runner does not know.
var ErrUnknownCheck = errors.New("unknown check")

// Runner executes named checks. A returned error means the check could not
// run at all; a failing check is an Outcome with Passed=false.
type Runner interface {
	Run(ctx context.Context, name string, code codemap.CodeMap) (Outcome, error)
	Has(name string) bool
}

// Spec configures one command check.
type Spec struct {
	Kind Kind
	Cmd  []string
}

// Command runs checks as external commands in a scratch copy of the code.
type Command struct {
	Checks map[string]Spec
}

func (c Command) Has(name string) bool {
	_, ok := c.Checks[name]
	return ok
}

// Names lists the configured checks.
func (c Command) Names() []string {
	out := make([]string, 0, len(c.Checks))
	for k := range c.Checks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c Command) Run(ctx context.Context, name string, code codemap.CodeMap) (Outcome, error) {
	spec, ok := c.Checks[name]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownCheck, name)
	}
	if len(spec.Cmd) == 0 {
		return Outcome{}, fmt.Errorf("check %s has no command", name)
	}
	dir, err := os.MkdirTemp("", "shipgate-check-*")
	if err != nil {
		return Outcome{}, fmt.Errorf("create check dir: %w", err)
	}
	defer os.RemoveAll(dir)
	if err := workspace.Materialize(dir, code); err != nil {
		return Outcome{}, fmt.Errorf("materialize code: %w", err)
	}

	log.Debug().Str("check", name).Strs("cmd", spec.Cmd).Msg("running check")
	cmd := exec.CommandContext(ctx, spec.Cmd[0], spec.Cmd[1:]...)
	cmd.Dir = dir
	out, runErr := cmd.CombinedOutput()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Outcome{}, ctxErr
	}
	outcome := Outcome{Name: name, Kind: spec.Kind, Passed: runErr == nil, Output: string(out)}
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return Outcome{}, fmt.Errorf("run check %s: %w", name, runErr)
	}
	return outcome, nil
}

// Static returns canned results; checks named in Failing fail.
type Static struct {
	Kinds   map[string]Kind
	Failing map[string]bool
}

func (s Static) Has(name string) bool {
	_, ok := s.Kinds[name]
	return ok
}

func (s Static) Run(_ context.Context, name string, _ codemap.CodeMap) (Outcome, error) {
	kind, ok := s.Kinds[name]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownCheck, name)
	}
	return Outcome{Name: name, Kind: kind, Passed: !s.Failing[name]}, nil
}
