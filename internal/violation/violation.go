// Package violation defines the canonical violation model reported by gates
// and the order-independent fingerprint computed over a violation set.
package violation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Severity is the tier a gate assigns to a violation.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// IsValid reports whether s is one of the known tiers.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	default:
		return false
	}
}

// Span is a 1-based source range. Zero columns mean "whole line".
type Span struct {
	StartLine int `json:"start_line"           yaml:"start_line"           validate:"gte=0"`
	StartCol  int `json:"start_col,omitempty"  yaml:"start_col,omitempty"  validate:"gte=0"`
	EndLine   int `json:"end_line,omitempty"   yaml:"end_line,omitempty"   validate:"gte=0"`
	EndCol    int `json:"end_col,omitempty"    yaml:"end_col,omitempty"    validate:"gte=0"`
}

// Violation is a single reported failure to meet a specification clause.
type Violation struct {
	RuleID   string         `json:"rule_id"            yaml:"rule_id"            validate:"required"`
	File     string         `json:"file"               yaml:"file"               validate:"required"`
	Span     Span           `json:"span"               yaml:"span"`
	Message  string         `json:"message"            yaml:"message"`
	Severity Severity       `json:"severity"           yaml:"severity"           validate:"required"`
	Evidence map[string]any `json:"evidence,omitempty" yaml:"evidence,omitempty"`
}

// Verdict is the gate's outcome.
type Verdict string

const (
	VerdictShip   Verdict = "SHIP"
	VerdictWarn   Verdict = "WARN"
	VerdictNoShip Verdict = "NO_SHIP"
)

// ParseVerdict accepts the spellings gates emit in the wild.
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ship", "pass", "passed":
		return VerdictShip, nil
	case "warn", "warning":
		return VerdictWarn, nil
	case "no_ship", "no-ship", "do-not-ship", "do_not_ship", "fail", "failed":
		return VerdictNoShip, nil
	default:
		return "", fmt.Errorf("unknown verdict %q", s)
	}
}

// Report is a normalized gate result.
type Report struct {
	Violations  []Violation `json:"violations"`
	Score       float64     `json:"score"`
	Verdict     Verdict     `json:"verdict"`
	Fingerprint string      `json:"fingerprint"`
}

// Less orders violations by rule, file and span, with the remaining fields
// as tie-breakers so that the order is total.
func Less(a, b Violation) bool {
	if a.RuleID != b.RuleID {
		return a.RuleID < b.RuleID
	}
	if a.File != b.File {
		return a.File < b.File
	}
	if a.Span.StartLine != b.Span.StartLine {
		return a.Span.StartLine < b.Span.StartLine
	}
	if a.Span.StartCol != b.Span.StartCol {
		return a.Span.StartCol < b.Span.StartCol
	}
	if a.Span.EndLine != b.Span.EndLine {
		return a.Span.EndLine < b.Span.EndLine
	}
	if a.Span.EndCol != b.Span.EndCol {
		return a.Span.EndCol < b.Span.EndCol
	}
	if a.Severity != b.Severity {
		return a.Severity < b.Severity
	}
	return a.Message < b.Message
}

// Sort returns a sorted copy of vs.
func Sort(vs []Violation) []Violation {
	out := Clone(vs)
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// Clone deep-copies a violation list.
func Clone(vs []Violation) []Violation {
	if vs == nil {
		return nil
	}
	out := make([]Violation, len(vs))
	for i, v := range vs {
		out[i] = v
		if v.Evidence != nil {
			ev := make(map[string]any, len(v.Evidence))
			for k, val := range v.Evidence {
				ev[k] = val
			}
			out[i].Evidence = ev
		}
	}
	return out
}

// Fingerprint hashes the violation set. The result does not depend on the
// enumeration order of vs. Evidence is not part of the fingerprint.
func Fingerprint(vs []Violation) string {
	normalized := make([]Violation, len(vs))
	for i, v := range vs {
		normalized[i] = Violation{
			RuleID:   norm.NFC.String(v.RuleID),
			File:     norm.NFC.String(v.File),
			Span:     v.Span,
			Message:  norm.NFC.String(v.Message),
			Severity: v.Severity,
		}
	}
	sort.SliceStable(normalized, func(i, j int) bool { return Less(normalized[i], normalized[j]) })

	h := sha256.New()
	for _, v := range normalized {
		fmt.Fprintf(h, "%s\x1f%s\x1f%d:%d-%d:%d\x1f%s\x1f%s\x1e",
			v.RuleID, v.File,
			v.Span.StartLine, v.Span.StartCol, v.Span.EndLine, v.Span.EndCol,
			v.Severity, v.Message)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RuleIDs returns the sorted set of rule identifiers in vs.
func RuleIDs(vs []Violation) []string {
	seen := make(map[string]struct{}, len(vs))
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if _, ok := seen[v.RuleID]; ok {
			continue
		}
		seen[v.RuleID] = struct{}{}
		out = append(out, v.RuleID)
	}
	sort.Strings(out)
	return out
}

// EncodableEvidence returns a copy of ev in which every value JSON cannot
// encode is replaced by its %v rendering.
func EncodableEvidence(ev map[string]any) map[string]any {
	if ev == nil {
		return nil
	}
	out := make(map[string]any, len(ev))
	for k, v := range ev {
		if _, err := json.Marshal(v); err != nil {
			out[k] = fmt.Sprintf("%v", v)
			continue
		}
		out[k] = v
	}
	return out
}
