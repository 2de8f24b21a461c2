package codemap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	m := CodeMap{"a.go": "package a\n"}
	c := m.Clone()
	c["a.go"] = "changed"
	c["b.go"] = "new"
	assert.Equal(t, "package a\n", m["a.go"])
	assert.Len(t, m, 1)
}

func TestHash(t *testing.T) {
	t.Parallel()

	a := CodeMap{"x": "1", "y": "2"}
	b := CodeMap{"y": "2", "x": "1"}
	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), CodeMap{"x": "12"}.Hash())
	assert.NotEqual(t, CodeMap{"ab": ""}.Hash(), CodeMap{"a": "b"}.Hash())
}

func TestChangedAndEqual(t *testing.T) {
	t.Parallel()

	before := CodeMap{"keep": "k", "edit": "old", "gone": "g"}
	after := CodeMap{"keep": "k", "edit": "new", "added": "a"}
	assert.Equal(t, []string{"added", "edit", "gone"}, Changed(before, after))
	assert.False(t, Equal(before, after))
	assert.True(t, Equal(before, before.Clone()))
}

func TestDiff(t *testing.T) {
	t.Parallel()

	before := CodeMap{
		"src/api.ts":  "function handler() {\n  return ok\n}\n",
		"src/old.ts":  "legacy\n",
		"src/same.ts": "same\n",
	}
	after := CodeMap{
		"src/api.ts":  "function handler() {\n  rateLimit()\n  return ok\n}\n",
		"src/new.ts":  "fresh\n",
		"src/same.ts": "same\n",
	}

	diff, err := Diff(before, after)
	require.NoError(t, err)

	assert.Contains(t, diff, "diff --git a/src/api.ts b/src/api.ts\n--- a/src/api.ts\n+++ b/src/api.ts\n")
	assert.Contains(t, diff, "+  rateLimit()\n")
	assert.Contains(t, diff, "diff --git a/src/new.ts b/src/new.ts\nnew file mode 100644\n--- /dev/null\n+++ b/src/new.ts\n")
	assert.Contains(t, diff, "+fresh\n")
	assert.Contains(t, diff, "deleted file mode 100644\n--- a/src/old.ts\n+++ /dev/null\n")
	assert.Contains(t, diff, "-legacy\n")
	assert.NotContains(t, diff, "same.ts")

	assert.Less(t, strings.Index(diff, "src/api.ts"), strings.Index(diff, "src/new.ts"))
	assert.Less(t, strings.Index(diff, "src/new.ts"), strings.Index(diff, "src/old.ts"))
}

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()

	m := CodeMap{"a": "x\n"}
	diff, err := Diff(m, m.Clone())
	require.NoError(t, err)
	assert.Empty(t, diff)
}

func TestLines(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Lines(""))
	assert.Equal(t, []string{"a", "b"}, Lines("a\nb\n"))
	assert.Equal(t, []string{"a", "b"}, Lines("a\nb"))
	assert.Equal(t, []string{""}, Lines("\n"))
}

func TestMapLine(t *testing.T) {
	t.Parallel()

	before := "a\nb\nc\nd\n"
	tests := []struct {
		name  string
		after string
		line  int
		want  int
	}{
		{"unchanged", before, 3, 3},
		{"zero", "x\n" + before, 0, 0},
		{"shifted by insert", "a\nx\ny\nb\nc\nd\n", 3, 5},
		{"above insert", "a\nx\nb\nc\nd\n", 1, 1},
		{"shifted by delete", "a\nc\nd\n", 4, 3},
		{"replaced line", "a\nB\nc\nd\n", 2, 2},
		{"deleted line", "a\nc\nd\n", 2, 2},
		{"past the end", "a\nb\n", 4, 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, MapLine(before, tt.after, tt.line))
		})
	}
}
