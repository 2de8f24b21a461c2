package checks

import (
	"context"
	"testing"

	"github.com/Ship-Gate/ShipGate-sub013/internal/codemap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand(t *testing.T) {
	t.Parallel()

	runner := Command{Checks: map[string]Spec{
		"build": {Kind: KindBuild, Cmd: []string{"test", "-f", "src/api.ts"}},
		"test":  {Kind: KindTest, Cmd: []string{"sh", "-c", "echo failing; exit 1"}},
		"empty": {Kind: KindTest},
	}}
	code := codemap.CodeMap{"src/api.ts": "export {}\n"}
	ctx := context.Background()

	assert.Equal(t, []string{"build", "empty", "test"}, runner.Names())
	assert.True(t, runner.Has("build"))
	assert.False(t, runner.Has("lint"))

	out, err := runner.Run(ctx, "build", code)
	require.NoError(t, err)
	assert.True(t, out.Passed)
	assert.Equal(t, KindBuild, out.Kind)

	out, err = runner.Run(ctx, "test", code)
	require.NoError(t, err)
	assert.False(t, out.Passed)
	assert.Contains(t, out.Output, "failing")

	_, err = runner.Run(ctx, "lint", code)
	require.ErrorIs(t, err, ErrUnknownCheck)

	_, err = runner.Run(ctx, "empty", code)
	require.Error(t, err)
}

func TestStatic(t *testing.T) {
	t.Parallel()

	s := Static{Kinds: map[string]Kind{"build": KindBuild, "test": KindTest}, Failing: map[string]bool{"test": true}}
	out, err := s.Run(context.Background(), "build", nil)
	require.NoError(t, err)
	assert.True(t, out.Passed)

	out, err = s.Run(context.Background(), "test", nil)
	require.NoError(t, err)
	assert.False(t, out.Passed)
	assert.Equal(t, KindTest, out.Kind)

	_, err = s.Run(context.Background(), "lint", nil)
	require.ErrorIs(t, err, ErrUnknownCheck)
}
