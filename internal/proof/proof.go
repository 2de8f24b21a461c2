// Package proof builds the terminal audit artifact of a healing session.
package proof

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Ship-Gate/ShipGate-sub013/internal/canonical"
	"github.com/Ship-Gate/ShipGate-sub013/internal/codemap"
	"github.com/Ship-Gate/ShipGate-sub013/internal/recorder"
	"github.com/Ship-Gate/ShipGate-sub013/internal/spec"
	"github.com/Ship-Gate/ShipGate-sub013/internal/violation"
)

// FormatVersion is the bundle schema version.
const FormatVersion = "1.0.0"

// SummaryNoHealing marks a session that never entered the loop.
const SummaryNoHealing = "no healing performed"

// Stage is a step in the stage chain.
type Stage string

const (
	StageInit     Stage = "init"
	StageGate     Stage = "gate"
	StagePatch    Stage = "patch"
	StageValidate Stage = "validate"
	StageFinalize Stage = "finalize"
)

// Stages is the fixed chain order.
var Stages = []Stage{StageInit, StageGate, StagePatch, StageValidate, StageFinalize}

// Status of a stage marker.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// ClauseStatus is the per-clause evidence verdict.
type ClauseStatus string

const (
	ClauseHealed         ClauseStatus = "healed"
	ClauseUntouched      ClauseStatus = "untouched"
	ClauseStillViolating ClauseStatus = "still-violating"
)

// Source pins the specification the session ran against.
type Source struct {
	SpecHash string `json:"spec_hash"`
	Domain   string `json:"domain"`
	Version  string `json:"version"`
}

// AppliedPatch is the audit view of an applied edit.
type AppliedPatch struct {
	RuleID    string `json:"rule_id"`
	Kind      string `json:"kind"`
	File      string `json:"file"`
	Rationale string `json:"rationale"`
}

// Iteration is the audit view of a snapshot. Wall-clock data is left out so
// identical sessions produce byte-identical bundles.
type Iteration struct {
	Index             int            `json:"iteration"`
	Rules             []string       `json:"rules"`
	Violations        int            `json:"violations"`
	Proposed          int            `json:"proposed"`
	Applied           []AppliedPatch `json:"applied"`
	FingerprintBefore string         `json:"fingerprint_before"`
	FingerprintAfter  string         `json:"fingerprint_after"`
	CodeHash          string         `json:"code_hash"`
	Outcome           string         `json:"outcome"`
	Diagnostics       []string       `json:"diagnostics,omitempty"`
}

// Healing describes what the loop did.
type Healing struct {
	Performed bool        `json:"performed"`
	Summary   string      `json:"summary"`
	History   []Iteration `json:"history"`
}

// Location is a piece of code evidence.
type Location struct {
	File string `json:"file"`
	Line int    `json:"line,omitempty"`
	Note string `json:"note,omitempty"`
}

// Evidence links a clause to code.
type Evidence struct {
	ClauseID  string       `json:"clause_id"`
	Title     string       `json:"title"`
	Status    ClauseStatus `json:"status"`
	Locations []Location   `json:"locations"`
}

// GateResult is the final gate outcome.
type GateResult struct {
	Verdict     violation.Verdict     `json:"verdict"`
	Score       float64               `json:"score"`
	Fingerprint string                `json:"fingerprint"`
	Violations  []violation.Violation `json:"violations"`
}

// Outcome is the terminal outcome of the session.
type Outcome struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
	State  string `json:"state"`
}

// Marker is one link of the stage chain.
type Marker struct {
	Stage  Stage  `json:"stage"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
	Prev   string `json:"prev"`
	Hash   string `json:"hash"`
}

// Bundle is the proof artifact.
type Bundle struct {
	FormatVersion string     `json:"format_version"`
	BundleID      string     `json:"bundle_id"`
	Source        Source     `json:"source"`
	Healing       Healing    `json:"healing"`
	Evidence      []Evidence `json:"evidence"`
	Gate          GateResult `json:"gate"`
	Outcome       Outcome    `json:"outcome"`
	Chain         []Marker   `json:"chain"`
	ContentHash   string     `json:"content_hash"`
	Signature     string     `json:"signature,omitempty"`
}

// StageMark is the orchestrator's view of one stage.
type StageMark struct {
	Stage  Stage
	Status Status
	Detail string
}

// Input is everything the builder needs from a terminated session.
type Input struct {
	Spec     *spec.Specification
	Identity spec.Identity
	History  []recorder.Snapshot
	Initial  violation.Report
	Final    violation.Report
	Code     codemap.CodeMap
	OK       bool
	Reason   string
	State    string
	Stages   []StageMark
}

// Builder assembles bundles. A nil Signer produces unsigned bundles.
type Builder struct {
	Signer ed25519.PrivateKey
}

// Build assembles the bundle for a terminal state.
func (b *Builder) Build(in Input) (*Bundle, error) {
	if in.Spec == nil {
		return nil, errors.New("proof: specification is required")
	}
	bundle := &Bundle{
		FormatVersion: FormatVersion,
		BundleID:      ID(in.Identity.Hash, in.History),
		Source:        Source{SpecHash: in.Identity.Hash, Domain: in.Identity.Domain, Version: in.Identity.Version},
		Healing:       healing(in),
		Evidence:      evidence(in),
		Gate: GateResult{
			Verdict:     in.Final.Verdict,
			Score:       in.Final.Score,
			Fingerprint: in.Final.Fingerprint,
			Violations:  violation.Sort(in.Final.Violations),
		},
		Outcome: Outcome{OK: in.OK, Reason: in.Reason, State: in.State},
	}
	if bundle.Gate.Violations == nil {
		bundle.Gate.Violations = []violation.Violation{}
	}
	bundle.Chain = chain(in.Identity.Hash, in.Stages)

	hash, err := ContentHash(bundle)
	if err != nil {
		return nil, err
	}
	bundle.ContentHash = hash
	if len(b.Signer) == ed25519.PrivateKeySize {
		bundle.Signature = hex.EncodeToString(ed25519.Sign(b.Signer, []byte(hash)))
	}
	return bundle, nil
}

// Fallback assembles a bundle for in from fields that always encode: code
// evidence is kept, gate evidence is dropped and a non-finite score is zeroed.
// It backs Build when the session data cannot be serialized.
func (b *Builder) Fallback(in Input) *Bundle {
	bundle := &Bundle{
		FormatVersion: FormatVersion,
		BundleID:      ID(in.Identity.Hash, in.History),
		Source:        Source{SpecHash: in.Identity.Hash, Domain: in.Identity.Domain, Version: in.Identity.Version},
		Healing:       healing(in),
		Evidence:      []Evidence{},
		Gate: GateResult{
			Verdict:     in.Final.Verdict,
			Fingerprint: in.Final.Fingerprint,
			Violations:  make([]violation.Violation, 0, len(in.Final.Violations)),
		},
		Outcome: Outcome{OK: in.OK, Reason: in.Reason, State: in.State},
	}
	if !math.IsNaN(in.Final.Score) && !math.IsInf(in.Final.Score, 0) {
		bundle.Gate.Score = in.Final.Score
	}
	if in.Spec != nil {
		bundle.Evidence = evidence(in)
	}
	for _, v := range violation.Sort(in.Final.Violations) {
		v.Evidence = nil
		bundle.Gate.Violations = append(bundle.Gate.Violations, v)
	}
	bundle.Chain = chain(in.Identity.Hash, in.Stages)

	hash, err := ContentHash(bundle)
	if err != nil {
		hash = canonical.HashBytes([]byte(bundle.BundleID + "\x1f" + err.Error()))
	}
	bundle.ContentHash = hash
	if len(b.Signer) == ed25519.PrivateKeySize {
		bundle.Signature = hex.EncodeToString(ed25519.Sign(b.Signer, []byte(hash)))
	}
	return bundle
}

// ID derives the bundle identifier from the specification hash and the
// ordered per-iteration fingerprints.
func ID(specHash string, history []recorder.Snapshot) string {
	h := sha256.New()
	h.Write([]byte(specHash))
	for _, s := range history {
		fmt.Fprintf(h, "\n%d:%s>%s", s.Iteration, s.FingerprintBefore, s.FingerprintAfter)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash hashes the bundle without its hash and signature.
func ContentHash(b *Bundle) (string, error) {
	c := *b
	c.ContentHash = ""
	c.Signature = ""
	return canonical.Hash(c)
}

// JSON renders the bundle for storage.
func (b *Bundle) JSON() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// Parse decodes a stored bundle.
func Parse(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse proof bundle: %w", err)
	}
	return &b, nil
}

func healing(in Input) Healing {
	h := Healing{Performed: len(in.History) > 0, History: make([]Iteration, 0, len(in.History))}
	for _, s := range in.History {
		it := Iteration{
			Index:             s.Iteration,
			Rules:             violation.RuleIDs(s.Violations),
			Violations:        len(s.Violations),
			Proposed:          len(s.Proposed),
			Applied:           make([]AppliedPatch, 0, len(s.Applied)),
			FingerprintBefore: s.FingerprintBefore,
			FingerprintAfter:  s.FingerprintAfter,
			CodeHash:          s.CodeHash,
			Outcome:           string(s.Outcome),
			Diagnostics:       append([]string(nil), s.Diagnostics...),
		}
		for _, p := range s.Applied {
			it.Applied = append(it.Applied, AppliedPatch{RuleID: p.RuleID, Kind: string(p.Kind), File: p.File, Rationale: p.Rationale})
		}
		h.History = append(h.History, it)
	}
	switch {
	case !h.Performed:
		h.Summary = SummaryNoHealing
	case in.OK:
		h.Summary = fmt.Sprintf("healed in %d iteration(s)", len(in.History))
	default:
		h.Summary = fmt.Sprintf("aborted (%s) after %d iteration(s)", in.Reason, len(in.History))
	}
	return h
}

func evidence(in Input) []Evidence {
	healedFiles := make(map[string]map[string]struct{})
	for _, s := range in.History {
		if s.Outcome != recorder.OutcomeAccepted {
			continue
		}
		for _, p := range s.Applied {
			if healedFiles[p.RuleID] == nil {
				healedFiles[p.RuleID] = make(map[string]struct{})
			}
			healedFiles[p.RuleID][p.File] = struct{}{}
		}
	}

	out := make([]Evidence, 0, len(in.Spec.Clauses))
	for _, c := range in.Spec.Clauses {
		ev := Evidence{ClauseID: c.ID, Title: c.Title, Locations: []Location{}}
		initially := violating(c, in.Initial.Violations)
		finally := violating(c, in.Final.Violations)
		switch {
		case len(finally) > 0:
			ev.Status = ClauseStillViolating
			for _, v := range finally {
				ev.Locations = append(ev.Locations, Location{File: v.File, Line: v.Span.StartLine, Note: v.RuleID})
			}
		case len(initially) > 0:
			ev.Status = ClauseHealed
			for _, rule := range c.Rules {
				for f := range healedFiles[rule] {
					ev.Locations = append(ev.Locations, Location{File: f, Note: "patched by " + rule})
				}
			}
		default:
			ev.Status = ClauseUntouched
		}
		ev.Locations = append(ev.Locations, markerLocations(c, in.Code)...)
		sortLocations(ev.Locations)
		out = append(out, ev)
	}
	return out
}

func violating(c spec.Clause, vs []violation.Violation) []violation.Violation {
	var out []violation.Violation
	for _, v := range violation.Sort(vs) {
		if c.Covers(v.RuleID) {
			out = append(out, v)
		}
	}
	return out
}

func markerLocations(c spec.Clause, code codemap.CodeMap) []Location {
	var out []Location
	for _, marker := range c.Markers {
		for _, p := range code.Paths() {
			for i, line := range codemap.Lines(code[p]) {
				if strings.Contains(line, marker) {
					out = append(out, Location{File: p, Line: i + 1, Note: "marker " + marker})
				}
			}
		}
	}
	return out
}

func sortLocations(ls []Location) {
	sort.SliceStable(ls, func(i, j int) bool {
		if ls[i].File != ls[j].File {
			return ls[i].File < ls[j].File
		}
		if ls[i].Line != ls[j].Line {
			return ls[i].Line < ls[j].Line
		}
		return ls[i].Note < ls[j].Note
	})
}

func chain(genesis string, marks []StageMark) []Marker {
	byStage := make(map[Stage]StageMark, len(marks))
	for _, m := range marks {
		byStage[m.Stage] = m
	}
	out := make([]Marker, 0, len(Stages))
	prev := genesis
	for _, st := range Stages {
		m, ok := byStage[st]
		if !ok {
			m = StageMark{Stage: st, Status: StatusSkipped}
		}
		marker := Marker{Stage: st, Status: m.Status, Detail: m.Detail, Prev: prev}
		marker.Hash = markerHash(marker)
		out = append(out, marker)
		prev = marker.Hash
	}
	return out
}

func markerHash(m Marker) string {
	return canonical.HashBytes([]byte(strings.Join([]string{m.Prev, string(m.Stage), string(m.Status), m.Detail}, "\x1f")))
}
