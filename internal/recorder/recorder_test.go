package recorder

import (
	"context"
	"errors"
	"testing"

	"github.com/Ship-Gate/ShipGate-sub013/internal/patch"
	"github.com/Ship-Gate/ShipGate-sub013/internal/violation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	got []Snapshot
	err error
}

func (m *memorySink) RecordIteration(_ context.Context, s Snapshot) error {
	if m.err != nil {
		return m.err
	}
	m.got = append(m.got, s)
	return nil
}

func snap(i int, before, after string) Snapshot {
	return Snapshot{Iteration: i, FingerprintBefore: before, FingerprintAfter: after, Outcome: OutcomeAccepted}
}

func TestRecord_Monotonic(t *testing.T) {
	t.Parallel()

	r := New(nil)
	ctx := context.Background()
	require.NoError(t, r.Record(ctx, snap(1, "a", "b")))
	require.Error(t, r.Record(ctx, snap(1, "b", "c")))
	require.Error(t, r.Record(ctx, snap(3, "b", "c")))
	require.NoError(t, r.Record(ctx, snap(2, "b", "c")))
	assert.Equal(t, 2, r.Len())
}

func TestRecord_IsImmutable(t *testing.T) {
	t.Parallel()

	r := New(nil)
	s := snap(1, "a", "b")
	s.Violations = []violation.Violation{{RuleID: "r", File: "f", Evidence: map[string]any{"k": "v"}}}
	s.Applied = []patch.Patch{{Kind: patch.KindInsert, File: "f", Range: &patch.LineRange{Start: 1}}}
	s.Diagnostics = []string{"d"}
	require.NoError(t, r.Record(context.Background(), s))

	s.Violations[0].RuleID = "mutated"
	s.Violations[0].Evidence["k"] = "mutated"
	s.Applied[0].Range.Start = 99
	s.Diagnostics[0] = "mutated"

	h := r.History()
	assert.Equal(t, "r", h[0].Violations[0].RuleID)
	assert.Equal(t, "v", h[0].Violations[0].Evidence["k"])
	assert.Equal(t, 1, h[0].Applied[0].Range.Start)
	assert.Equal(t, "d", h[0].Diagnostics[0])

	h[0].Diagnostics[0] = "mutated again"
	assert.Equal(t, "d", r.History()[0].Diagnostics[0])
}

func TestRecord_Sink(t *testing.T) {
	t.Parallel()

	sink := &memorySink{}
	r := New(sink)
	require.NoError(t, r.Record(context.Background(), snap(1, "a", "b")))
	require.Len(t, sink.got, 1)

	sink.err = errors.New("disk full")
	err := r.Record(context.Background(), snap(2, "b", "c"))
	require.Error(t, err)
	assert.Equal(t, 1, r.Len(), "failed persistence must not append")
}

func TestStuck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		history   [][2]string
		threshold int
		want      bool
	}{
		{name: "empty", history: nil, threshold: 1, want: false},
		{name: "progress", history: [][2]string{{"a", "b"}, {"b", "c"}}, threshold: 1, want: false},
		{name: "no change", history: [][2]string{{"a", "b"}, {"b", "b"}}, threshold: 1, want: true},
		{name: "below threshold", history: [][2]string{{"a", "b"}, {"b", "b"}}, threshold: 2, want: false},
		{name: "at threshold", history: [][2]string{{"a", "a"}, {"a", "a"}}, threshold: 2, want: true},
		{name: "oscillation", history: [][2]string{{"a", "b"}, {"b", "a"}}, threshold: 3, want: true},
		{name: "revisit", history: [][2]string{{"a", "b"}, {"b", "c"}, {"c", "b"}}, threshold: 3, want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := New(nil)
			for i, h := range tt.history {
				require.NoError(t, r.Record(context.Background(), snap(i+1, h[0], h[1])))
			}
			assert.Equal(t, tt.want, r.Stuck(tt.threshold))
		})
	}
}
