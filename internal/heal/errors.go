package heal

import (
	"fmt"
	"strings"
	"time"

	"github.com/Ship-Gate/ShipGate-sub013/internal/guard"
	"github.com/Ship-Gate/ShipGate-sub013/internal/violation"
)

// UnknownRuleError means a violation has no registered procedure. The
// session aborts before any patch is generated.
type UnknownRuleError struct {
	Rules []string
}

func (e *UnknownRuleError) Error() string {
	return "no fix procedure registered for: " + strings.Join(e.Rules, ", ")
}

// WeakeningDetectedError means an iteration's diff contained a forbidden
// signature. Nothing from that iteration was committed.
type WeakeningDetectedError struct {
	Iteration int
	Findings  []guard.Finding
}

func (e *WeakeningDetectedError) Error() string {
	return fmt.Sprintf("iteration %d: %v", e.Iteration, (&guard.RejectedError{Findings: e.Findings}).Error())
}

// StuckLoopError means the loop stopped making measurable progress.
type StuckLoopError struct {
	Iteration   int
	Fingerprint string
}

func (e *StuckLoopError) Error() string {
	return fmt.Sprintf("no progress after iteration %d (fingerprint %s)", e.Iteration, e.Fingerprint)
}

// MaxIterationsExceededError means the iteration bound was reached without a
// shippable verdict.
type MaxIterationsExceededError struct {
	Max     int
	Verdict violation.Verdict
}

func (e *MaxIterationsExceededError) Error() string {
	return fmt.Sprintf("reached %d iteration(s) with verdict %s", e.Max, e.Verdict)
}

// BuildFailedError means a mandatory build check regressed.
type BuildFailedError struct {
	Check  string
	Output string
}

func (e *BuildFailedError) Error() string {
	return fmt.Sprintf("build check %q failed", e.Check)
}

// TestFailedError means a mandatory test check regressed.
type TestFailedError struct {
	Check  string
	Output string
}

func (e *TestFailedError) Error() string {
	return fmt.Sprintf("test check %q failed", e.Check)
}

// InfrastructureError means a collaborator could not run at all.
type InfrastructureError struct {
	Stage string
	Err   error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// TimeoutError means the session deadline passed.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("healing timed out after %s", e.Timeout)
	}
	return "healing deadline exceeded"
}

// CanceledError means the caller canceled the session.
type CanceledError struct{}

func (e *CanceledError) Error() string { return "healing canceled" }
