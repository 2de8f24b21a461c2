// Package heal implements the bounded self-healing loop: gate, match
// violations to fix procedures, apply their patches, reject weakening diffs,
// record every iteration and re-gate until the code ships or the loop can
// prove it cannot make safe progress.
package heal

import (
	"errors"
	"fmt"
	"time"

	"github.com/Ship-Gate/ShipGate-sub013/internal/checks"
	"github.com/Ship-Gate/ShipGate-sub013/internal/codemap"
	"github.com/Ship-Gate/ShipGate-sub013/internal/gate"
	"github.com/Ship-Gate/ShipGate-sub013/internal/guard"
	"github.com/Ship-Gate/ShipGate-sub013/internal/patch"
	"github.com/Ship-Gate/ShipGate-sub013/internal/procedure"
	"github.com/Ship-Gate/ShipGate-sub013/internal/proof"
	"github.com/Ship-Gate/ShipGate-sub013/internal/recorder"
	"github.com/Ship-Gate/ShipGate-sub013/internal/spec"
	"github.com/Ship-Gate/ShipGate-sub013/internal/violation"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MaxIterationsLimit caps the configurable iteration bound.
const MaxIterationsLimit = 9

// Config is the scalar configuration the loop consumes.
type Config struct {
	MaxIterations  int           `json:"max_iterations"  mapstructure:"max_iterations"`
	StuckThreshold int           `json:"stuck_threshold" mapstructure:"stuck_threshold"`
	Timeout        time.Duration `json:"timeout"         mapstructure:"timeout"`
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{MaxIterations: 3, StuckThreshold: 1}
}

// Validate checks the bounds.
func (c Config) Validate() error {
	if c.MaxIterations < 1 || c.MaxIterations > MaxIterationsLimit {
		return fmt.Errorf("max_iterations must be between 1 and %d, got %d", MaxIterationsLimit, c.MaxIterations)
	}
	if c.StuckThreshold < 1 {
		return fmt.Errorf("stuck_threshold must be at least 1, got %d", c.StuckThreshold)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	return nil
}

// Observer receives session events, typically for metrics.
type Observer interface {
	SessionStarted()
	IterationRecorded(s recorder.Snapshot)
	GuardRejected(findings []guard.Finding)
	SessionFinished(r Result, elapsed time.Duration)
}

// Options wires an Orchestrator. Spec, Registry and Gate are required.
type Options struct {
	Config   Config
	Spec     *spec.Specification
	Registry *procedure.Registry
	Gate     gate.Gate
	Checks   checks.Runner
	Guard    *guard.Guard
	Sink     recorder.Sink
	Proof    *proof.Builder
	Observer Observer
	Clock    func() time.Time
	Logger   *zerolog.Logger
}

// Orchestrator runs healing sessions. Its fields are fixed at construction.
type Orchestrator struct {
	cfg      Config
	spec     *spec.Specification
	identity spec.Identity
	registry *procedure.Registry
	gate     gate.Gate
	checks   checks.Runner
	guard    *guard.Guard
	applier  patch.Applier
	sink     recorder.Sink
	proof    *proof.Builder
	observer Observer
	clock    func() time.Time
	log      zerolog.Logger
}

// New validates the options and freezes the specification identity.
func New(opts Options) (*Orchestrator, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid healing config: %w", err)
	}
	switch {
	case opts.Spec == nil:
		return nil, errors.New("specification is required")
	case opts.Registry == nil:
		return nil, errors.New("procedure registry is required")
	case opts.Gate == nil:
		return nil, errors.New("gate is required")
	}
	for _, name := range opts.Registry.Checks() {
		if opts.Checks == nil || !opts.Checks.Has(name) {
			return nil, fmt.Errorf("procedures require check %q which is not configured", name)
		}
	}

	frozen := opts.Spec.Clone()
	identity, err := frozen.Identity()
	if err != nil {
		return nil, fmt.Errorf("specification identity: %w", err)
	}

	o := &Orchestrator{
		cfg:      opts.Config,
		spec:     frozen,
		identity: identity,
		registry: opts.Registry,
		gate:     opts.Gate,
		checks:   opts.Checks,
		guard:    opts.Guard,
		sink:     opts.Sink,
		proof:    opts.Proof,
		observer: opts.Observer,
		clock:    opts.Clock,
		log:      log.Logger,
	}
	if o.guard == nil {
		o.guard = guard.New(frozen.Markers()...)
	}
	if o.proof == nil {
		o.proof = &proof.Builder{}
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if opts.Logger != nil {
		o.log = *opts.Logger
	}
	return o, nil
}

// Identity is the frozen specification identity.
func (o *Orchestrator) Identity() spec.Identity { return o.identity }

// Result is the terminal outcome of a session.
type Result struct {
	OK          bool                `json:"ok"`
	Reason      Reason              `json:"reason"`
	State       State               `json:"state"`
	Iterations  int                 `json:"iterations"`
	Verdict     violation.Verdict   `json:"verdict"`
	Score       float64             `json:"score"`
	Fingerprint string              `json:"fingerprint"`
	History     []recorder.Snapshot `json:"history"`
	Touched     []string            `json:"touched"`
	Diagnostics []string            `json:"diagnostics,omitempty"`
	Code        codemap.CodeMap     `json:"-"`
	Proof       *proof.Bundle       `json:"proof"`

	err error
}

// Err returns the typed error for a failed session and nil on success.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return r.err
}

// AppliedPatches counts patches committed across accepted iterations.
func (r Result) AppliedPatches() int {
	n := 0
	for _, s := range r.History {
		if s.Outcome == recorder.OutcomeAccepted {
			n += len(s.Applied)
		}
	}
	return n
}
