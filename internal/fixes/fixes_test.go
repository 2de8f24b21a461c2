package fixes

import (
	"context"
	"strings"
	"testing"

	"github.com/Ship-Gate/ShipGate-sub013/internal/codemap"
	"github.com/Ship-Gate/ShipGate-sub013/internal/guard"
	"github.com/Ship-Gate/ShipGate-sub013/internal/patch"
	"github.com/Ship-Gate/ShipGate-sub013/internal/violation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tsHandler = `import { logger } from './logger'

export function createUser(req, res) {
  logger.info(req.body)
  const user = save(req.body)
  res.json(user)
}
`

const goHandler = `package api

import (
	"log"
	"net/http"
)

func CreateUser(w http.ResponseWriter, r *http.Request) {
	log.Printf("create user %v", r.Body)
	w.WriteHeader(http.StatusCreated)
}
`

func TestScan_ReportsAllRules(t *testing.T) {
	t.Parallel()

	report := Scan(codemap.CodeMap{"src/api.ts": tsHandler, "README.md": "logger.info(req.body)\n"})
	assert.Equal(t, violation.VerdictNoShip, report.Verdict)
	assert.Equal(t, []string{RuleAudit, RuleNoPII, RuleRateLimit}, violation.RuleIDs(report.Violations))
	assert.InDelta(t, 70, report.Score, 0.001)
	assert.Equal(t, violation.Fingerprint(report.Violations), report.Fingerprint)

	for _, v := range report.Violations {
		assert.Equal(t, "src/api.ts", v.File)
		if v.RuleID == RuleNoPII {
			assert.Equal(t, 4, v.Span.StartLine)
		} else {
			assert.Equal(t, violation.Span{StartLine: 3, EndLine: 7}, v.Span)
		}
	}
}

func TestScan_CleanCodeShips(t *testing.T) {
	t.Parallel()

	report := Scan(codemap.CodeMap{"main.go": "package main\n\nfunc main() {}\n"})
	assert.Equal(t, violation.VerdictShip, report.Verdict)
	assert.Empty(t, report.Violations)
	assert.InDelta(t, 100, report.Score, 0.001)
}

func TestGate_HonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Gate().Run(ctx, codemap.CodeMap{})
	require.ErrorIs(t, err, context.Canceled)
}

// fixAll runs every built-in procedure over the gate's violations the same
// way the healing loop does: sorted, against the evolving candidate, with
// spans moved onto it.
func fixAll(t *testing.T, code codemap.CodeMap) codemap.CodeMap {
	t.Helper()

	reg, err := Registry()
	require.NoError(t, err)

	candidate := code.Clone()
	for _, v := range Scan(code).Violations {
		p, ok := reg.Lookup(v.RuleID)
		require.True(t, ok, v.RuleID)
		require.True(t, p.Match(v))
		v.Span.StartLine = codemap.MapLine(code[v.File], candidate[v.File], v.Span.StartLine)
		v.Span.EndLine = codemap.MapLine(code[v.File], candidate[v.File], v.Span.EndLine)
		loc, err := p.Locate(candidate, v)
		require.NoError(t, err)
		ps, err := p.CreatePatches(candidate, loc, v)
		require.NoError(t, err)
		cand, err := patch.Applier{}.Apply(candidate, ps)
		require.NoError(t, err)
		candidate = cand.Code
	}
	return candidate
}

func TestProcedures_HealTypeScriptHandler(t *testing.T) {
	t.Parallel()

	code := codemap.CodeMap{"src/api.ts": tsHandler}
	fixed := fixAll(t, code)

	want := `import { logger } from './logger'

export function createUser(req, res) {
  rateLimit(req)
  audit('createUser', req)
  logger.info(redact(req.body))
  const user = save(req.body)
  res.json(user)
}
`
	assert.Equal(t, want, fixed["src/api.ts"])
	assert.Equal(t, violation.VerdictShip, Scan(fixed).Verdict)

	diff, err := codemap.Diff(code, fixed)
	require.NoError(t, err)
	decision := guard.New(Spec().Markers()...).Validate(diff, code)
	assert.True(t, decision.Accepted, "%v", decision.Findings)
}

func TestProcedures_HealGoHandler(t *testing.T) {
	t.Parallel()

	code := codemap.CodeMap{"api/user.go": goHandler}
	fixed := fixAll(t, code)

	out := fixed["api/user.go"]
	assert.Contains(t, out, "\tif !rateLimit(r) {\n")
	assert.Contains(t, out, "http.StatusTooManyRequests")
	assert.Contains(t, out, "\taudit(\"CreateUser\", r)\n")
	assert.Contains(t, out, `log.Printf("create user %v", redact(r.Body))`)
	assert.Equal(t, violation.VerdictShip, Scan(fixed).Verdict)
}

func TestProcedures_AreIdempotent(t *testing.T) {
	t.Parallel()

	code := codemap.CodeMap{"src/api.ts": tsHandler}
	fixed := fixAll(t, code)

	v := violation.Violation{RuleID: RuleRateLimit, File: "src/api.ts", Span: violation.Span{StartLine: 3}}
	p := RateLimit()
	loc, err := p.Locate(fixed, v)
	require.NoError(t, err)
	ps, err := p.CreatePatches(fixed, loc, v)
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func TestLocate_FailsWithoutHandler(t *testing.T) {
	t.Parallel()

	v := violation.Violation{RuleID: RuleAudit, File: "util.ts", Span: violation.Span{StartLine: 1}}
	_, err := Audit().Locate(codemap.CodeMap{"util.ts": "export const x = 1\n"}, v)
	require.Error(t, err)

	_, err = Audit().Locate(codemap.CodeMap{}, v)
	require.Error(t, err)

	_, err = NoPIILogging().Locate(codemap.CodeMap{"util.ts": "export const x = 1\n"}, v)
	require.Error(t, err)
}

func TestNoPIILogging_ValidateRejectsRemainingRawLogs(t *testing.T) {
	t.Parallel()

	v := violation.Violation{RuleID: RuleNoPII, File: "a.ts"}
	after := codemap.CodeMap{"a.ts": "console.log(req.body)\n"}
	require.Error(t, NoPIILogging().Validate(nil, after, v))

	after = codemap.CodeMap{"a.ts": "console.log(redact(req.body))\n"}
	require.NoError(t, NoPIILogging().Validate(nil, after, v))
}

func TestSpec_CoversEveryRule(t *testing.T) {
	t.Parallel()

	s := Spec()
	reg, err := Registry()
	require.NoError(t, err)
	for _, rule := range reg.Rules() {
		covered := false
		for _, c := range s.Clauses {
			covered = covered || c.Covers(rule)
		}
		assert.True(t, covered, rule)
	}
	assert.Equal(t, []string{CheckBuild}, reg.Checks())
	assert.True(t, strings.HasPrefix(s.Version, "1.0.0"))
}
