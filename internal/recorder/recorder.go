// Package recorder keeps the append-only iteration history of a healing
// session and detects sessions that stopped making progress.
package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/Ship-Gate/ShipGate-sub013/internal/patch"
	"github.com/Ship-Gate/ShipGate-sub013/internal/violation"
)

// Outcome classifies what happened to an iteration's candidate.
type Outcome string

const (
	OutcomeAccepted    Outcome = "accepted"
	OutcomeRejected    Outcome = "rejected"
	OutcomeNoChange    Outcome = "no_change"
	OutcomeCheckFailed Outcome = "check_failed"
	// OutcomeAborted marks an iteration cut short by a collaborator failure,
	// a timeout or cancellation.
	OutcomeAborted Outcome = "aborted"
)

// Snapshot is the immutable record of one loop pass.
type Snapshot struct {
	Iteration         int                   `json:"iteration"`
	Violations        []violation.Violation `json:"violations"`
	Proposed          []patch.Patch         `json:"proposed"`
	Applied           []patch.Patch         `json:"applied"`
	FingerprintBefore string                `json:"fingerprint_before"`
	FingerprintAfter  string                `json:"fingerprint_after"`
	CodeHash          string                `json:"code_hash"`
	Outcome           Outcome               `json:"outcome"`
	Diagnostics       []string              `json:"diagnostics,omitempty"`
	// Diff is the unified diff the guard decided on. Empty when the
	// iteration produced no candidate change.
	Diff string `json:"diff,omitempty"`
	// Wall-clock data stays out of the JSON form so identical sessions
	// serialize identically.
	StartedAt time.Time     `json:"-"`
	Duration  time.Duration `json:"-"`
}

// Progressed reports whether the iteration changed the violation set.
func (s Snapshot) Progressed() bool {
	return s.FingerprintAfter != s.FingerprintBefore
}

// Clone deep-copies s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Violations = violation.Clone(s.Violations)
	out.Proposed = patch.Clone(s.Proposed)
	out.Applied = patch.Clone(s.Applied)
	out.Diagnostics = append([]string(nil), s.Diagnostics...)
	return out
}

// Sink persists recorded snapshots.
type Sink interface {
	RecordIteration(ctx context.Context, s Snapshot) error
}

// Recorder is owned by a single session and is not safe for concurrent use.
type Recorder struct {
	history []Snapshot
	sink    Sink
}

// New returns a recorder. sink may be nil.
func New(sink Sink) *Recorder {
	return &Recorder{sink: sink}
}

// Record appends a copy of s. Iterations must be numbered 1, 2, 3 ...
func (r *Recorder) Record(ctx context.Context, s Snapshot) error {
	if want := len(r.history) + 1; s.Iteration != want {
		return fmt.Errorf("record iteration %d: expected iteration %d", s.Iteration, want)
	}
	snap := s.Clone()
	if r.sink != nil {
		if err := r.sink.RecordIteration(ctx, snap.Clone()); err != nil {
			return fmt.Errorf("persist iteration %d: %w", s.Iteration, err)
		}
	}
	r.history = append(r.history, snap)
	return nil
}

// Len is the number of recorded iterations.
func (r *Recorder) Len() int { return len(r.history) }

// History returns copies of all snapshots in order.
func (r *Recorder) History() []Snapshot {
	out := make([]Snapshot, len(r.history))
	for i, s := range r.history {
		out[i] = s.Clone()
	}
	return out
}

// Stuck reports whether the session stopped making progress: either the last
// threshold iterations all left the fingerprint unchanged, or the latest
// post-iteration fingerprint was already observed earlier in the session.
func (r *Recorder) Stuck(threshold int) bool {
	n := len(r.history)
	if n == 0 {
		return false
	}
	if threshold < 1 {
		threshold = 1
	}
	if n >= threshold {
		stalled := true
		for _, s := range r.history[n-threshold:] {
			if s.Progressed() {
				stalled = false
				break
			}
		}
		if stalled {
			return true
		}
	}

	last := r.history[n-1]
	if !last.Progressed() {
		return false
	}
	for _, s := range r.history[:n-1] {
		if s.FingerprintBefore == last.FingerprintAfter || s.FingerprintAfter == last.FingerprintAfter {
			return true
		}
	}
	return false
}
