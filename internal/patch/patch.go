// Package patch materializes fix procedure edits into a candidate code state.
// Application is pure: the base code map is never mutated and nothing is
// written to disk.
package patch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Ship-Gate/ShipGate-sub013/internal/codemap"
)

// Kind is the edit operation.
type Kind string

const (
	KindInsert  Kind = "insert"
	KindReplace Kind = "replace"
	KindDelete  Kind = "delete"
)

// LineRange is an inclusive 1-based line range. End of zero means Start.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end,omitempty"`
}

func (r LineRange) end() int {
	if r.End == 0 {
		return r.Start
	}
	return r.End
}

// Patch is one candidate edit. Exactly one of Range and Anchor addresses the
// target.
type Patch struct {
	Kind      Kind       `json:"kind"`
	File      string     `json:"file"`
	Range     *LineRange `json:"range,omitempty"`
	Anchor    string     `json:"anchor,omitempty"`
	Content   string     `json:"content,omitempty"`
	Rationale string     `json:"rationale"`
	RuleID    string     `json:"rule_id,omitempty"`
}

// Target describes where the patch applies, for logs and diagnostics.
func (p Patch) Target() string {
	if p.Range != nil {
		return fmt.Sprintf("%s:%d-%d", p.File, p.Range.Start, p.Range.end())
	}
	return fmt.Sprintf("%s@%q", p.File, p.Anchor)
}

// Clone copies ps including ranges.
func Clone(ps []Patch) []Patch {
	if ps == nil {
		return nil
	}
	out := make([]Patch, len(ps))
	for i, p := range ps {
		out[i] = p
		if p.Range != nil {
			r := *p.Range
			out[i].Range = &r
		}
	}
	return out
}

var (
	ErrUnknownKind    = errors.New("unknown edit kind")
	ErrNoTarget       = errors.New("patch needs exactly one of range or anchor")
	ErrFileNotFound   = errors.New("file not found")
	ErrOutOfRange     = errors.New("line range out of bounds")
	ErrAnchorNotFound = errors.New("anchor not found")
)

// ApplyError reports the edit that could not be applied.
type ApplyError struct {
	Index int
	Patch Patch
	Err   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply patch %d (%s %s): %v", e.Index, e.Patch.Kind, e.Patch.Target(), e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Candidate is the result of applying a patch set to a base state.
type Candidate struct {
	Code    codemap.CodeMap
	Applied []Patch
	Touched []string
	Diff    string
}

// Applier turns ordered edits into a candidate state.
type Applier struct{}

// Apply applies patches in order to a clone of base. Either every patch is
// applied or an *ApplyError is returned and no candidate is produced.
func (Applier) Apply(base codemap.CodeMap, patches []Patch) (Candidate, error) {
	code := base.Clone()
	for i, p := range patches {
		if err := applyOne(code, p); err != nil {
			return Candidate{}, &ApplyError{Index: i, Patch: p, Err: err}
		}
	}
	diff, err := codemap.Diff(base, code)
	if err != nil {
		return Candidate{}, err
	}
	return Candidate{
		Code:    code,
		Applied: Clone(patches),
		Touched: codemap.Changed(base, code),
		Diff:    diff,
	}, nil
}

func applyOne(code codemap.CodeMap, p Patch) error {
	if (p.Range == nil) == (p.Anchor == "") {
		return ErrNoTarget
	}
	content, exists := code[p.File]

	switch p.Kind {
	case KindInsert:
		if !exists {
			if p.Range == nil || p.Range.Start != 1 {
				return ErrFileNotFound
			}
			code[p.File] = withNewline(p.Content)
			return nil
		}
		lines := codemap.Lines(content)
		at, err := insertionPoint(lines, p)
		if err != nil {
			return err
		}
		out := make([]string, 0, len(lines)+4)
		out = append(out, lines[:at]...)
		out = append(out, codemap.Lines(p.Content)...)
		out = append(out, lines[at:]...)
		code[p.File] = join(out, content)
		return nil

	case KindReplace, KindDelete:
		if !exists {
			return ErrFileNotFound
		}
		replacement := p.Content
		if p.Kind == KindDelete {
			replacement = ""
		}
		if p.Range == nil {
			if !strings.Contains(content, p.Anchor) {
				return ErrAnchorNotFound
			}
			code[p.File] = strings.Replace(content, p.Anchor, replacement, 1)
			return nil
		}
		lines := codemap.Lines(content)
		start, end := p.Range.Start, p.Range.end()
		if start < 1 || end < start || end > len(lines) {
			return ErrOutOfRange
		}
		out := make([]string, 0, len(lines))
		out = append(out, lines[:start-1]...)
		out = append(out, codemap.Lines(replacement)...)
		out = append(out, lines[end:]...)
		code[p.File] = join(out, content)
		return nil

	default:
		return ErrUnknownKind
	}
}

func insertionPoint(lines []string, p Patch) (int, error) {
	if p.Range != nil {
		if p.Range.Start < 1 || p.Range.Start > len(lines)+1 {
			return 0, ErrOutOfRange
		}
		return p.Range.Start - 1, nil
	}
	for i, l := range lines {
		if strings.Contains(l, p.Anchor) {
			return i + 1, nil
		}
	}
	return 0, ErrAnchorNotFound
}

// join rebuilds file content, keeping the original trailing newline policy.
func join(lines []string, original string) string {
	if len(lines) == 0 {
		return ""
	}
	out := strings.Join(lines, "\n")
	if original == "" || strings.HasSuffix(original, "\n") {
		out += "\n"
	}
	return out
}

func withNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
