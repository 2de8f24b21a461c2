package guard

import (
	"errors"
	"testing"

	"github.com/Ship-Gate/ShipGate-sub013/internal/codemap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base = `export function createUser(req, res) {
  requireAuth(req)
  const user = save(req.body)
  res.json(user)
}
`

func diffOf(t *testing.T, before, after codemap.CodeMap) string {
	t.Helper()
	d, err := codemap.Diff(before, after)
	require.NoError(t, err)
	return d
}

func TestValidate_AcceptsStrengthening(t *testing.T) {
	t.Parallel()

	before := codemap.CodeMap{"api.ts": base}
	after := codemap.CodeMap{"api.ts": `export function createUser(req, res) {
  requireAuth(req)
  rateLimit(req)
  audit('user.create', req)
  const user = save(req.body)
  res.json(user)
}
`}
	d := New().Validate(diffOf(t, before, after), before)
	assert.True(t, d.Accepted)
	assert.Empty(t, d.Findings)
	require.NoError(t, d.Err())
}

func TestValidate_RejectsForbiddenAdditions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		line     string
		category Category
	}{
		{"eslint", "  // eslint-disable-next-line security/detect-object-injection", CategorySuppression},
		{"ts-ignore", "  // @ts-ignore", CategorySuppression},
		{"shipgate-ignore", "  // shipgate-ignore rate-limit-required", CategorySuppression},
		{"nolint", "  x := 1 //nolint:gosec", CategorySuppression},
		{"severity", "  const severity = 'info'", CategorySeverityDowngrade},
		{"skip auth", "  req.skipAuth = true", CategoryAuthzBypass},
		{"bypass auth", "  bypass_auth(req)", CategoryAuthzBypass},
		{"auth false", "  const options = { auth: false }", CategoryAuthzBypass},
		{"cors", "  res.setHeader('Access-Control-Allow-Origin', '*')", CategoryAllowlistBroadening},
		{"allowlist", "  const allowedHosts = ['*']", CategoryAllowlistBroadening},
		{"cidr", "  cidr: 0.0.0.0/0", CategoryAllowlistBroadening},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			before := codemap.CodeMap{"api.ts": base}
			after := codemap.CodeMap{"api.ts": base + tt.line + "\n"}
			d := New().Validate(diffOf(t, before, after), before)
			require.False(t, d.Accepted)
			require.NotEmpty(t, d.Findings)
			assert.Equal(t, tt.category, d.Findings[0].Category)
			assert.Equal(t, "api.ts", d.Findings[0].File)
			assert.Equal(t, 6, d.Findings[0].Line)

			var rejected *RejectedError
			require.True(t, errors.As(d.Err(), &rejected))
			assert.Len(t, rejected.Findings, len(d.Findings))
		})
	}
}

func TestValidate_WholeDiffIsRejectedAtomically(t *testing.T) {
	t.Parallel()

	before := codemap.CodeMap{"a.ts": "a\n", "b.ts": "b\n", "c.ts": "c\n"}
	after := codemap.CodeMap{
		"a.ts": "a\nrateLimit(req)\n",
		"b.ts": "b\n// @ts-ignore\n",
		"c.ts": "c\naudit('x')\n",
	}
	d := New().Validate(diffOf(t, before, after), before)
	require.False(t, d.Accepted)
	require.Len(t, d.Findings, 1)
	assert.Equal(t, "b.ts", d.Findings[0].File)
}

func TestValidate_GuaranteeRemoval(t *testing.T) {
	t.Parallel()

	before := codemap.CodeMap{"api.ts": base}
	after := codemap.CodeMap{"api.ts": `export function createUser(req, res) {
  const user = save(req.body)
  res.json(user)
}
`}
	d := New().Validate(diffOf(t, before, after), before)
	require.False(t, d.Accepted)
	require.Len(t, d.Findings, 1)
	assert.Equal(t, CategoryGuaranteeRemoval, d.Findings[0].Category)
	assert.Equal(t, 2, d.Findings[0].Line)
	assert.Equal(t, "requireAuth(req)", d.Findings[0].Text)
}

func TestValidate_RejectsDisabledGuarantees(t *testing.T) {
	t.Parallel()

	const guarded = `export function createUser(req, res) {
  rateLimit(req)
  audit('createUser', req)
  const user = save(req.body)
  res.json(user)
}
`
	tests := []struct {
		name      string
		after     string
		signature string
		line      int
	}{
		{
			name:      "block comment",
			after:     "export function createUser(req, res) {\n  /*\n  rateLimit(req)\n  audit('createUser', req)\n  */\n  const user = save(req.body)\n  res.json(user)\n}\n",
			signature: "block-comment-open",
			line:      2,
		},
		{
			name:      "doc comment opener",
			after:     "export function createUser(req, res) {\n  /**\n  rateLimit(req)\n  audit('createUser', req)\n  */\n  const user = save(req.body)\n  res.json(user)\n}\n",
			signature: "block-comment-open",
			line:      2,
		},
		{
			name:      "if false",
			after:     "export function createUser(req, res) {\n  if (false) {\n  rateLimit(req)\n  audit('createUser', req)\n  }\n  const user = save(req.body)\n  res.json(user)\n}\n",
			signature: "dead-branch",
			line:      2,
		},
		{
			name:      "if zero",
			after:     "export function createUser(req, res) {\n  if (0) {\n  rateLimit(req)\n  }\n  audit('createUser', req)\n  const user = save(req.body)\n  res.json(user)\n}\n",
			signature: "dead-branch",
			line:      2,
		},
		{
			name:      "go style if false",
			after:     "export function createUser(req, res) {\n  if false {\n  rateLimit(req)\n  }\n  audit('createUser', req)\n  const user = save(req.body)\n  res.json(user)\n}\n",
			signature: "dead-branch",
			line:      2,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			before := codemap.CodeMap{"api.ts": guarded}
			after := codemap.CodeMap{"api.ts": tt.after}
			d := New().Validate(diffOf(t, before, after), before)
			require.False(t, d.Accepted)
			require.NotEmpty(t, d.Findings)
			assert.Equal(t, CategoryGuaranteeRemoval, d.Findings[0].Category)
			assert.Equal(t, tt.signature, d.Findings[0].Signature)
			assert.Equal(t, tt.line, d.Findings[0].Line)
		})
	}
}

func TestValidate_CommentsAwayFromGuaranteesAreAllowed(t *testing.T) {
	t.Parallel()

	before := codemap.CodeMap{"util.ts": "export const one = 1\n"}
	after := codemap.CodeMap{"util.ts": "/*\n * Shared constants.\n */\nexport const one = 1\n"}
	d := New().Validate(diffOf(t, before, after), before)
	assert.True(t, d.Accepted, "%v", d.Findings)

	before = codemap.CodeMap{"api.ts": guardedOneLiner}
	after = codemap.CodeMap{"api.ts": guardedOneLiner + "/* end of handlers */\n"}
	d = New().Validate(diffOf(t, before, after), before)
	assert.True(t, d.Accepted, "%v", d.Findings)
}

const guardedOneLiner = "export function ping(req, res) {\n  rateLimit(req)\n  res.end()\n}\n"

func TestValidate_MovedGuaranteeIsNotRemoval(t *testing.T) {
	t.Parallel()

	before := codemap.CodeMap{"api.ts": base}
	after := codemap.CodeMap{"api.ts": `export function createUser(req, res) {
  const user = save(req.body)
  requireAuth(req)
  res.json(user)
}
`}
	d := New().Validate(diffOf(t, before, after), before)
	assert.True(t, d.Accepted, "%v", d.Findings)
}

func TestValidate_DeletedFileWithGuarantee(t *testing.T) {
	t.Parallel()

	before := codemap.CodeMap{"api.ts": base, "limits.ts": "export const limiter = createLimiter()\n"}
	after := codemap.CodeMap{"api.ts": base}
	d := New().Validate(diffOf(t, before, after), before)
	require.False(t, d.Accepted)
	assert.Equal(t, "limits.ts", d.Findings[0].File)
	assert.Equal(t, CategoryGuaranteeRemoval, d.Findings[0].Category)
}

func TestValidate_SpecificationMarkers(t *testing.T) {
	t.Parallel()

	before := codemap.CodeMap{"api.ts": "enforceQuota(user)\nrun()\n"}
	after := codemap.CodeMap{"api.ts": "run()\n"}

	assert.True(t, New().Validate(diffOf(t, before, after), before).Accepted)

	d := New("enforceQuota(").Validate(diffOf(t, before, after), before)
	require.False(t, d.Accepted)
	assert.Equal(t, "marker:enforceQuota(", d.Findings[0].Signature)
}

func TestValidate_EmptyAndUnparsable(t *testing.T) {
	t.Parallel()

	assert.True(t, New().Validate("", codemap.CodeMap{}).Accepted)

	d := New().Validate("this is not a diff", codemap.CodeMap{})
	require.False(t, d.Accepted)
	assert.Equal(t, CategoryUnparsable, d.Findings[0].Category)
}
