package fixes

import (
	"context"
	"strings"

	"github.com/Ship-Gate/ShipGate-sub013/internal/codemap"
	"github.com/Ship-Gate/ShipGate-sub013/internal/gate"
	"github.com/Ship-Gate/ShipGate-sub013/internal/violation"
)

// penalty is the score deducted per violation by the built-in gate.
const penalty = 10

// Gate is a deterministic in-process gate reporting the rules the built-in
// procedures fix. It serves dry runs and projects without an external gate.
func Gate() gate.Gate {
	return gate.Func(func(ctx context.Context, code codemap.CodeMap) (violation.Report, error) {
		if err := ctx.Err(); err != nil {
			return violation.Report{}, err
		}
		return Scan(code), nil
	})
}

// Scan reports every handler lacking a rate limit or audit call and every
// line logging a raw request body.
func Scan(code codemap.CodeMap) violation.Report {
	var vs []violation.Violation
	for _, file := range code.Paths() {
		if !sourceFile(file) {
			continue
		}
		content := code[file]
		lines := codemap.Lines(content)
		for _, h := range handlers(file, content) {
			body := strings.Join(lines[h.line-1:h.end], "\n")
			span := violation.Span{StartLine: h.line, EndLine: h.end}
			if !strings.Contains(body, rateLimitMarker) {
				vs = append(vs, violation.Violation{
					RuleID:   RuleRateLimit,
					File:     file,
					Span:     span,
					Message:  "handler " + h.name + " is not rate limited",
					Severity: violation.SeverityHigh,
				})
			}
			if !strings.Contains(body, auditMarker) {
				vs = append(vs, violation.Violation{
					RuleID:   RuleAudit,
					File:     file,
					Span:     span,
					Message:  "handler " + h.name + " does not emit an audit event",
					Severity: violation.SeverityMedium,
				})
			}
		}
		for i, l := range lines {
			if rawBody(l) {
				vs = append(vs, violation.Violation{
					RuleID:   RuleNoPII,
					File:     file,
					Span:     violation.Span{StartLine: i + 1, EndLine: i + 1},
					Message:  "raw request body is logged",
					Severity: violation.SeverityCritical,
				})
			}
		}
	}

	vs = violation.Sort(vs)
	score := float64(100 - penalty*len(vs))
	if score < 0 {
		score = 0
	}
	verdict := violation.VerdictShip
	if len(vs) > 0 {
		verdict = violation.VerdictNoShip
	}
	return violation.Report{
		Violations:  vs,
		Score:       score,
		Verdict:     verdict,
		Fingerprint: violation.Fingerprint(vs),
	}
}
