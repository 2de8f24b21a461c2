// Package procedure holds the fix procedure contract and the immutable,
// per-session registry that maps rule identifiers to procedures.
package procedure

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Ship-Gate/ShipGate-sub013/internal/codemap"
	"github.com/Ship-Gate/ShipGate-sub013/internal/patch"
	"github.com/Ship-Gate/ShipGate-sub013/internal/violation"
)

// Location is the exact code a procedure will patch.
type Location struct {
	File    string         `json:"file"`
	Span    violation.Span `json:"span"`
	Snippet string         `json:"snippet,omitempty"`
}

// Procedure is a deterministic fix routine for a single rule identifier.
type Procedure interface {
	RuleID() string
	// Match reports whether the procedure can address this violation.
	Match(v violation.Violation) bool
	Locate(code codemap.CodeMap, v violation.Violation) (Location, error)
	CreatePatches(code codemap.CodeMap, loc Location, v violation.Violation) ([]patch.Patch, error)
	// Checks names the checks that must be rerun after the patches land.
	Checks() []string
}

// Validator is an optional local validation run on the before and after
// states of a single procedure's patches.
type Validator interface {
	Validate(before, after codemap.CodeMap, v violation.Violation) error
}

var (
	ErrInvalidProcedure = errors.New("invalid procedure")
	ErrDuplicateRule    = errors.New("duplicate rule registration")
)

// Definition adapts plain functions to Procedure. Rule, LocateFn and PatchFn
// are required; a nil MatchFn matches every violation of the rule.
type Definition struct {
	Rule       string
	MatchFn    func(v violation.Violation) bool
	LocateFn   func(code codemap.CodeMap, v violation.Violation) (Location, error)
	PatchFn    func(code codemap.CodeMap, loc Location, v violation.Violation) ([]patch.Patch, error)
	ValidateFn func(before, after codemap.CodeMap, v violation.Violation) error
	Rerun      []string
}

func (d Definition) RuleID() string { return d.Rule }

func (d Definition) Match(v violation.Violation) bool {
	if d.MatchFn == nil {
		return v.RuleID == d.Rule
	}
	return d.MatchFn(v)
}

func (d Definition) Locate(code codemap.CodeMap, v violation.Violation) (Location, error) {
	return d.LocateFn(code, v)
}

func (d Definition) CreatePatches(code codemap.CodeMap, loc Location, v violation.Violation) ([]patch.Patch, error) {
	return d.PatchFn(code, loc, v)
}

func (d Definition) Checks() []string {
	return append([]string(nil), d.Rerun...)
}

// Validate runs ValidateFn when set.
func (d Definition) Validate(before, after codemap.CodeMap, v violation.Violation) error {
	if d.ValidateFn == nil {
		return nil
	}
	return d.ValidateFn(before, after, v)
}

func (d Definition) check() error {
	switch {
	case d.LocateFn == nil:
		return fmt.Errorf("%w: %s: locate function is required", ErrInvalidProcedure, d.Rule)
	case d.PatchFn == nil:
		return fmt.Errorf("%w: %s: patch function is required", ErrInvalidProcedure, d.Rule)
	}
	return nil
}

// Builder collects procedures at startup.
type Builder struct {
	procs map[string]Procedure
	err   error
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{procs: make(map[string]Procedure)}
}

// Register adds p. The first registration error is sticky and returned again
// by Build.
func (b *Builder) Register(p Procedure) error {
	if b.err != nil {
		return b.err
	}
	if err := checkProcedure(p); err != nil {
		b.err = err
		return err
	}
	if _, ok := b.procs[p.RuleID()]; ok {
		b.err = fmt.Errorf("%w: %s", ErrDuplicateRule, p.RuleID())
		return b.err
	}
	b.procs[p.RuleID()] = p
	return nil
}

// Build freezes the registered procedures into a Registry.
func (b *Builder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}
	procs := make(map[string]Procedure, len(b.procs))
	for k, v := range b.procs {
		procs[k] = v
	}
	return &Registry{procs: procs}, nil
}

// NewRegistry registers every procedure and builds the registry.
func NewRegistry(procs ...Procedure) (*Registry, error) {
	b := NewBuilder()
	for _, p := range procs {
		if err := b.Register(p); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

func checkProcedure(p Procedure) error {
	if d, ok := p.(*Definition); ok && d == nil {
		return fmt.Errorf("%w: nil procedure", ErrInvalidProcedure)
	}
	if p == nil {
		return fmt.Errorf("%w: nil procedure", ErrInvalidProcedure)
	}
	if p.RuleID() == "" {
		return fmt.Errorf("%w: empty rule id", ErrInvalidProcedure)
	}
	switch d := p.(type) {
	case Definition:
		return d.check()
	case *Definition:
		return d.check()
	}
	return nil
}

// Registry is an immutable rule id to procedure table. It is safe for
// concurrent use by independent sessions.
type Registry struct {
	procs map[string]Procedure
}

// Lookup returns the procedure registered for rule.
func (r *Registry) Lookup(rule string) (Procedure, bool) {
	p, ok := r.procs[rule]
	return p, ok
}

// UnknownRules returns the sorted set of rule ids in vs that have no
// registered procedure.
func (r *Registry) UnknownRules(vs []violation.Violation) []string {
	var out []string
	for _, rule := range violation.RuleIDs(vs) {
		if _, ok := r.procs[rule]; !ok {
			out = append(out, rule)
		}
	}
	return out
}

// Rules lists the registered rule ids in order.
func (r *Registry) Rules() []string {
	out := make([]string, 0, len(r.procs))
	for k := range r.procs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Checks returns the sorted set of check names any procedure may request.
func (r *Registry) Checks() []string {
	seen := make(map[string]struct{})
	for _, p := range r.procs {
		for _, c := range p.Checks() {
			seen[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
