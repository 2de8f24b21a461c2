// Package codemap models the in-memory code state a healing session works on.
package codemap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// CodeMap maps a clean, slash separated relative path to file content.
type CodeMap map[string]string

// Clone returns an independent copy of m.
func (m CodeMap) Clone() CodeMap {
	out := make(CodeMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Paths returns the file paths in lexical order.
func (m CodeMap) Paths() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Hash is the content hash of the code state.
func (m CodeMap) Hash() string {
	h := sha256.New()
	for _, p := range m.Paths() {
		content := m[p]
		fmt.Fprintf(h, "%d:%s\x00%d:", len(p), p, len(content))
		h.Write([]byte(content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Equal reports whether both maps hold the same files with the same content.
func Equal(a, b CodeMap) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// Changed returns the sorted paths whose content differs between before and
// after, including created and deleted files.
func Changed(before, after CodeMap) []string {
	seen := make(map[string]struct{})
	for k, v := range before {
		if w, ok := after[k]; !ok || w != v {
			seen[k] = struct{}{}
		}
	}
	for k := range after {
		if _, ok := before[k]; !ok {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Diff renders a git style multi-file unified diff from before to after.
// Files appear in path order. An empty string means no change.
func Diff(before, after CodeMap) (string, error) {
	var b strings.Builder
	for _, p := range Changed(before, after) {
		oldContent, inOld := before[p]
		newContent, inNew := after[p]

		ud := difflib.UnifiedDiff{
			A:        splitLines(oldContent),
			B:        splitLines(newContent),
			FromFile: "a/" + p,
			ToFile:   "b/" + p,
			Context:  3,
		}
		fmt.Fprintf(&b, "diff --git a/%s b/%s\n", p, p)
		switch {
		case !inOld:
			b.WriteString("new file mode 100644\n")
			ud.FromFile = "/dev/null"
		case !inNew:
			b.WriteString("deleted file mode 100644\n")
			ud.ToFile = "/dev/null"
		}
		text, err := difflib.GetUnifiedDiffString(ud)
		if err != nil {
			return "", fmt.Errorf("diff %s: %w", p, err)
		}
		if text == "" {
			// Content differs only in a trailing newline.
			text = fmt.Sprintf("--- %s\n+++ %s\n", ud.FromFile, ud.ToFile)
		}
		b.WriteString(text)
	}
	return b.String(), nil
}

// MapLine translates a 1-based line of before to the corresponding line of
// after. A line inside a changed region maps to the first line of its
// replacement. Zero stays zero.
func MapLine(before, after string, line int) int {
	if line < 1 || before == after {
		return line
	}
	a, b := splitLines(before), splitLines(after)
	idx := line - 1
	mapped := line + len(b) - len(a)
	if idx < len(a) {
		for _, op := range difflib.NewMatcher(a, b).GetOpCodes() {
			if idx < op.I1 || idx >= op.I2 {
				continue
			}
			if op.Tag == 'e' {
				mapped = op.J1 + idx - op.I1 + 1
			} else {
				mapped = op.J1 + 1
			}
			break
		}
	}
	if mapped > len(b) {
		mapped = len(b)
	}
	if mapped < 1 {
		mapped = 1
	}
	return mapped
}

// Lines splits content into lines without their terminators.
func Lines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n")
}

// splitLines keeps terminators, as difflib expects.
func splitLines(content string) []string {
	lines := Lines(content)
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l + "\n"
	}
	return out
}
