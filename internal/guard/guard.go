// Package guard rejects candidate diffs that weaken enforcement instead of
// fixing the underlying issue. A decision always covers one whole iteration
// diff; there is no per-patch acceptance.
package guard

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Ship-Gate/ShipGate-sub013/internal/codemap"
	"github.com/sourcegraph/go-diff/diff"
)

// Finding is one forbidden signature hit.
type Finding struct {
	Category  Category `json:"category"`
	Signature string   `json:"signature"`
	File      string   `json:"file,omitempty"`
	Line      int      `json:"line,omitempty"`
	Text      string   `json:"text,omitempty"`
}

func (f Finding) String() string {
	if f.File == "" {
		return fmt.Sprintf("%s/%s", f.Category, f.Signature)
	}
	return fmt.Sprintf("%s/%s at %s:%d", f.Category, f.Signature, f.File, f.Line)
}

// Decision is the verdict on a diff.
type Decision struct {
	Accepted bool      `json:"accepted"`
	Findings []Finding `json:"findings,omitempty"`
}

// Err returns a *RejectedError for rejected decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Accepted {
		return nil
	}
	return &RejectedError{Findings: append([]Finding(nil), d.Findings...)}
}

// RejectedError lists why a diff was rejected.
type RejectedError struct {
	Findings []Finding
}

func (e *RejectedError) Error() string {
	parts := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		parts = append(parts, f.String())
	}
	return "weakening detected: " + strings.Join(parts, "; ")
}

// Guard scans diffs against the fixed catalog plus any guarantee markers
// declared by the specification.
type Guard struct {
	guarantees []signature
}

// New returns a guard. Each marker is treated as literal guarantee-bearing
// text whose removal is forbidden.
func New(markers ...string) *Guard {
	g := &Guard{guarantees: append([]signature(nil), guaranteeMarkers...)}
	uniq := make(map[string]struct{}, len(markers))
	for _, m := range markers {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := uniq[m]; ok {
			continue
		}
		uniq[m] = struct{}{}
		g.guarantees = append(g.guarantees, signature{
			name:     "marker:" + m,
			category: CategoryGuaranteeRemoval,
			re:       regexp.MustCompile(regexp.QuoteMeta(m)),
		})
	}
	return g
}

type diffLine struct {
	file string
	line int
	text string
}

// Validate scans the complete iteration diff before deciding. prior is the
// code state the diff applies to.
func (g *Guard) Validate(text string, prior codemap.CodeMap) Decision {
	if strings.TrimSpace(text) == "" {
		return Decision{Accepted: true}
	}
	if !strings.HasPrefix(text, "diff --git ") && !strings.HasPrefix(text, "--- ") {
		return unparsable("header", "missing file header")
	}
	files, err := diff.ParseMultiFileDiff([]byte(text))
	if err != nil {
		return unparsable("parse", err.Error())
	}
	if len(files) == 0 {
		return unparsable("empty", "no file sections")
	}
	for _, fd := range files {
		if fileName(fd) == "" {
			return unparsable("name", "file section without a name")
		}
	}

	var added, removed, neutralized []diffLine
	for _, fd := range files {
		name := fileName(fd)
		if fd.NewName == "/dev/null" {
			for i, l := range codemap.Lines(prior[name]) {
				removed = append(removed, diffLine{file: name, line: i + 1, text: l})
			}
			continue
		}
		for _, h := range fd.Hunks {
			a, r, c := scanHunk(name, h)
			added = append(added, a...)
			removed = append(removed, r...)
			if g.carriesGuarantee(c) || g.carriesGuarantee(r) {
				neutralized = append(neutralized, a...)
			}
		}
	}

	var findings []Finding
	for _, l := range added {
		for _, sig := range forbiddenAdditions {
			if sig.re.MatchString(l.text) {
				findings = append(findings, finding(sig, l))
			}
		}
	}

	for _, l := range neutralized {
		for _, sig := range guaranteeNeutralizers {
			if sig.re.MatchString(l.text) {
				findings = append(findings, finding(sig, l))
			}
		}
	}

	// A guarantee line re-added verbatim elsewhere was moved, not removed.
	readded := make(map[string]int)
	for _, l := range added {
		readded[strings.TrimSpace(l.text)]++
	}
	for _, l := range removed {
		key := strings.TrimSpace(l.text)
		if readded[key] > 0 {
			readded[key]--
			continue
		}
		for _, sig := range g.guarantees {
			if sig.re.MatchString(l.text) {
				findings = append(findings, finding(sig, l))
				break
			}
		}
	}

	if len(findings) == 0 {
		return Decision{Accepted: true}
	}
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Signature < b.Signature
	})
	return Decision{Findings: findings}
}

func (g *Guard) carriesGuarantee(lines []diffLine) bool {
	for _, l := range lines {
		for _, sig := range g.guarantees {
			if sig.re.MatchString(l.text) {
				return true
			}
		}
	}
	return false
}

func unparsable(sig, text string) Decision {
	return Decision{Findings: []Finding{{Category: CategoryUnparsable, Signature: sig, Text: text}}}
}

func finding(sig signature, l diffLine) Finding {
	return Finding{
		Category:  sig.category,
		Signature: sig.name,
		File:      l.file,
		Line:      l.line,
		Text:      strings.TrimSpace(l.text),
	}
}

func fileName(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "/dev/null" {
		name = fd.OrigName
	}
	name = strings.TrimPrefix(name, "a/")
	name = strings.TrimPrefix(name, "b/")
	return name
}

func scanHunk(file string, h *diff.Hunk) (added, removed, context []diffLine) {
	oldLine := int(h.OrigStartLine)
	newLine := int(h.NewStartLine)
	sc := bufio.NewScanner(bytes.NewReader(h.Body))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			oldLine++
			newLine++
			continue
		}
		switch line[0] {
		case '+':
			added = append(added, diffLine{file: file, line: newLine, text: line[1:]})
			newLine++
		case '-':
			removed = append(removed, diffLine{file: file, line: oldLine, text: line[1:]})
			oldLine++
		case '\\':
		default:
			context = append(context, diffLine{file: file, line: newLine, text: line[1:]})
			oldLine++
			newLine++
		}
	}
	return added, removed, context
}
