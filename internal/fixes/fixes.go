// Package fixes ships the built-in marker procedures for the rules the
// built-in gate reports: rate limiting, auditing and PII-free logging of
// HTTP handlers in TypeScript, JavaScript and Go sources.
package fixes

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/Ship-Gate/ShipGate-sub013/internal/codemap"
	"github.com/Ship-Gate/ShipGate-sub013/internal/patch"
	"github.com/Ship-Gate/ShipGate-sub013/internal/procedure"
	"github.com/Ship-Gate/ShipGate-sub013/internal/spec"
	"github.com/Ship-Gate/ShipGate-sub013/internal/violation"
)

const (
	RuleRateLimit = "rate-limit-required"
	RuleAudit     = "audit-required"
	RuleNoPII     = "no-pii-logging"

	// CheckBuild is the check every built-in procedure reruns.
	CheckBuild = "build"
)

var (
	handlerTS  = regexp.MustCompile(`^(\s*)(export\s+)?(async\s+)?function\s+(\w+)\s*\(\s*req\b[^)]*\)\s*\{\s*$`)
	handlerGo  = regexp.MustCompile(`^(\s*)func\s+(\w+)\s*\(\s*w\s+http\.ResponseWriter,\s*r\s+\*http\.Request\s*\)\s*\{\s*$`)
	rawBodyLog = regexp.MustCompile(`\b(console\.(log|info|debug|warn|error)|logger\.(info|debug|warn|error|log)|log\.(Print|Printf|Println))\(([^)]*?)\b(req\.body|r\.Body)\b`)

	rateLimitMarker = "rateLimit("
	auditMarker     = "audit("
)

var errNoHandler = errors.New("no handler found")

// Procedures returns fresh definitions of all built-in procedures.
func Procedures() []procedure.Procedure {
	return []procedure.Procedure{RateLimit(), Audit(), NoPIILogging()}
}

// Registry builds a registry holding the built-in procedures.
func Registry() (*procedure.Registry, error) {
	return procedure.NewRegistry(Procedures()...)
}

// RateLimit inserts a rate-limit guard at the top of the handler body.
func RateLimit() procedure.Definition {
	return procedure.Definition{
		Rule:     RuleRateLimit,
		LocateFn: locateHandler,
		PatchFn: func(code codemap.CodeMap, loc procedure.Location, _ violation.Violation) ([]patch.Patch, error) {
			return guardPatch(code, loc, rateLimitMarker, func(h handler) string {
				if h.goSource {
					return h.indent + "\tif !rateLimit(r) {\n" +
						h.indent + "\t\thttp.Error(w, \"too many requests\", http.StatusTooManyRequests)\n" +
						h.indent + "\t\treturn\n" +
						h.indent + "\t}"
				}
				return h.indent + "  rateLimit(req)"
			}, "enforce the per-client request budget before any work is done")
		},
		ValidateFn: requireMarker(rateLimitMarker),
		Rerun:      []string{CheckBuild},
	}
}

// Audit inserts an audit call naming the handler.
func Audit() procedure.Definition {
	return procedure.Definition{
		Rule:     RuleAudit,
		LocateFn: locateHandler,
		PatchFn: func(code codemap.CodeMap, loc procedure.Location, _ violation.Violation) ([]patch.Patch, error) {
			return guardPatch(code, loc, auditMarker, func(h handler) string {
				if h.goSource {
					return fmt.Sprintf("%s\taudit(%q, r)", h.indent, h.name)
				}
				return fmt.Sprintf("%s  audit('%s', req)", h.indent, h.name)
			}, "record an audit event for every invocation")
		},
		ValidateFn: requireMarker(auditMarker),
		Rerun:      []string{CheckBuild},
	}
}

// NoPIILogging wraps raw request bodies passed to loggers in redact().
func NoPIILogging() procedure.Definition {
	return procedure.Definition{
		Rule: RuleNoPII,
		LocateFn: func(code codemap.CodeMap, v violation.Violation) (procedure.Location, error) {
			lines := codemap.Lines(code[v.File])
			if n := v.Span.StartLine; n >= 1 && n <= len(lines) && rawBody(lines[n-1]) {
				return procedure.Location{File: v.File, Span: violation.Span{StartLine: n, EndLine: n}, Snippet: lines[n-1]}, nil
			}
			for i, l := range lines {
				if rawBody(l) {
					return procedure.Location{File: v.File, Span: violation.Span{StartLine: i + 1, EndLine: i + 1}, Snippet: l}, nil
				}
			}
			return procedure.Location{}, fmt.Errorf("no raw body logging in %s", v.File)
		},
		PatchFn: func(_ codemap.CodeMap, loc procedure.Location, _ violation.Violation) ([]patch.Patch, error) {
			redacted := rawBodyLog.ReplaceAllString(loc.Snippet, "${1}(${5}redact(${6})")
			if redacted == loc.Snippet {
				return nil, nil
			}
			return []patch.Patch{{
				Kind:      patch.KindReplace,
				File:      loc.File,
				Range:     &patch.LineRange{Start: loc.Span.StartLine},
				Content:   redacted,
				Rationale: "log a redacted request body instead of the raw payload",
			}}, nil
		},
		ValidateFn: func(_, after codemap.CodeMap, v violation.Violation) error {
			for _, l := range codemap.Lines(after[v.File]) {
				if rawBody(l) {
					return errors.New("raw request body is still logged")
				}
			}
			return nil
		},
		Rerun: []string{CheckBuild},
	}
}

type handler struct {
	name     string
	indent   string
	line     int
	end      int
	goSource bool
}

func locateHandler(code codemap.CodeMap, v violation.Violation) (procedure.Location, error) {
	content, ok := code[v.File]
	if !ok {
		return procedure.Location{}, fmt.Errorf("%s: file not found", v.File)
	}
	hs := handlers(v.File, content)
	if len(hs) == 0 {
		return procedure.Location{}, fmt.Errorf("%s: %w", v.File, errNoHandler)
	}
	h := hs[0]
	for _, c := range hs {
		if c.line <= v.Span.StartLine {
			h = c
		}
	}
	lines := codemap.Lines(content)
	return procedure.Location{
		File:    v.File,
		Span:    violation.Span{StartLine: h.line, EndLine: h.end},
		Snippet: lines[h.line-1],
	}, nil
}

// guardPatch inserts a guard line right after the handler signature unless
// the body already carries marker.
func guardPatch(code codemap.CodeMap, loc procedure.Location, marker string, render func(handler) string, rationale string) ([]patch.Patch, error) {
	var h handler
	found := false
	for _, c := range handlers(loc.File, code[loc.File]) {
		if c.line == loc.Span.StartLine {
			h, found = c, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%s:%d: %w", loc.File, loc.Span.StartLine, errNoHandler)
	}
	lines := codemap.Lines(code[loc.File])
	for _, l := range lines[h.line-1 : h.end] {
		if strings.Contains(l, marker) {
			return nil, nil
		}
	}
	return []patch.Patch{{
		Kind:      patch.KindInsert,
		File:      loc.File,
		Range:     &patch.LineRange{Start: h.line + 1},
		Content:   render(h),
		Rationale: rationale,
	}}, nil
}

func requireMarker(marker string) func(before, after codemap.CodeMap, v violation.Violation) error {
	return func(_, after codemap.CodeMap, v violation.Violation) error {
		if !strings.Contains(after[v.File], marker) {
			return fmt.Errorf("%s missing from %s", strings.TrimSuffix(marker, "("), v.File)
		}
		return nil
	}
}

// handlers finds HTTP handler functions and the line ranges of their bodies.
func handlers(file, content string) []handler {
	if !sourceFile(file) {
		return nil
	}
	goSource := path.Ext(file) == ".go"

	lines := codemap.Lines(content)
	var out []handler
	for i, l := range lines {
		var h handler
		if goSource {
			m := handlerGo.FindStringSubmatch(l)
			if m == nil {
				continue
			}
			h = handler{name: m[2], indent: m[1], line: i + 1, goSource: true}
		} else {
			m := handlerTS.FindStringSubmatch(l)
			if m == nil {
				continue
			}
			h = handler{name: m[4], indent: m[1], line: i + 1}
		}
		h.end = len(lines)
		for j := i + 1; j < len(lines); j++ {
			if lines[j] == h.indent+"}" {
				h.end = j + 1
				break
			}
		}
		out = append(out, h)
	}
	return out
}

func sourceFile(file string) bool {
	switch path.Ext(file) {
	case ".go", ".ts", ".js", ".mjs", ".cjs", ".tsx", ".jsx":
		return true
	}
	return false
}

// rawBody reports whether l logs an unredacted request body.
func rawBody(l string) bool {
	return rawBodyLog.MatchString(l) && !strings.Contains(l, "redact(")
}

// Spec is the specification the built-in rules belong to.
func Spec() *spec.Specification {
	s, err := spec.Load([]byte(builtinSpec))
	if err != nil {
		panic(fmt.Sprintf("built-in specification: %v", err))
	}
	return s
}

const builtinSpec = `
domain: http-handlers
version: 1.0.0
clauses:
  - id: rate-limit
    title: Every handler enforces a request budget
    rules: [rate-limit-required]
    markers: ["rateLimit("]
  - id: audit
    title: Every handler emits an audit event
    rules: [audit-required]
    markers: ["audit("]
  - id: no-pii-logging
    title: Request bodies are never logged unredacted
    rules: [no-pii-logging]
    markers: ["redact("]
`
