// Package ingest normalizes raw gate output into a violation.Report.
package ingest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/Ship-Gate/ShipGate-sub013/internal/violation"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Format names an accepted gate output encoding.
type Format string

const (
	FormatAuto  Format = "auto"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatSARIF Format = "sarif"
)

// ParseFormat validates a configured format name. Empty means auto.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatAuto, nil
	case FormatAuto, FormatJSON, FormatYAML, FormatSARIF:
		return f, nil
	default:
		return "", fmt.Errorf("unknown gate output format %q", s)
	}
}

//go:embed schema.json
var reportSchema []byte

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		span := sl.Current().Interface().(violation.Span)
		if span.EndLine != 0 && span.EndLine < span.StartLine {
			sl.ReportError(span.EndLine, "EndLine", "end_line", "gtefield", "StartLine")
		}
	}, violation.Span{})
	return v
}

// Error is a fatal ingestion failure. Malformed gate output is never turned
// into a violation.
type Error struct {
	Format Format
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ingest %s gate output: %v", e.Format, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Parse decodes data in the given format and returns a normalized report
// whose fingerprint is recomputed from the violation set.
func Parse(data []byte, format Format) (violation.Report, error) {
	if format == "" || format == FormatAuto {
		format = Sniff(data)
	}

	var (
		raw wireReport
		err error
	)
	switch format {
	case FormatJSON:
		raw, err = decodeJSON(data)
	case FormatYAML:
		raw, err = decodeYAML(data)
	case FormatSARIF:
		raw, err = decodeSARIF(data)
	default:
		err = fmt.Errorf("unsupported format")
	}
	if err != nil {
		return violation.Report{}, &Error{Format: format, Err: err}
	}

	report, err := raw.normalize()
	if err != nil {
		return violation.Report{}, &Error{Format: format, Err: err}
	}
	return report, nil
}

// Sniff guesses the encoding of data.
func Sniff(data []byte) Format {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return FormatYAML
	}
	switch trimmed[0] {
	case '{':
		var probe struct {
			Schema string          `json:"$schema"`
			Runs   json.RawMessage `json:"runs"`
		}
		if json.Unmarshal(trimmed, &probe) == nil && (probe.Runs != nil || strings.Contains(strings.ToLower(probe.Schema), "sarif")) {
			return FormatSARIF
		}
		return FormatJSON
	case '[':
		return FormatJSON
	default:
		return FormatYAML
	}
}

type wireReport struct {
	Violations []wireViolation `json:"violations" yaml:"violations"`
	Score      *float64        `json:"score"      yaml:"score"`
	Verdict    string          `json:"verdict"    yaml:"verdict"`
}

type wireViolation struct {
	RuleID   string          `json:"rule_id"  yaml:"rule_id"`
	Rule     string          `json:"rule"     yaml:"rule"`
	File     string          `json:"file"     yaml:"file"`
	Path     string          `json:"path"     yaml:"path"`
	Line     int             `json:"line"     yaml:"line"`
	Span     *violation.Span `json:"span"     yaml:"span"`
	Message  string          `json:"message"  yaml:"message"`
	Severity string          `json:"severity" yaml:"severity"`
	Evidence map[string]any  `json:"evidence" yaml:"evidence"`
}

func decodeJSON(data []byte) (wireReport, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return wireReport{}, errors.New("empty input")
	}
	if trimmed[0] == '[' {
		trimmed = append(append([]byte(`{"violations":`), trimmed...), '}')
	}

	res, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(reportSchema), gojsonschema.NewBytesLoader(trimmed))
	if err != nil {
		return wireReport{}, fmt.Errorf("decode json: %w", err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return wireReport{}, fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))
	}

	var out wireReport
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return wireReport{}, fmt.Errorf("decode json: %w", err)
	}
	return out, nil
}

func decodeYAML(data []byte) (wireReport, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return wireReport{}, errors.New("empty input")
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return wireReport{}, fmt.Errorf("decode yaml: %w", err)
	}
	if len(node.Content) == 0 {
		return wireReport{}, errors.New("empty document")
	}
	doc := node.Content[0]

	var out wireReport
	switch doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&out.Violations); err != nil {
			return wireReport{}, fmt.Errorf("decode yaml: %w", err)
		}
	case yaml.MappingNode:
		if err := doc.Decode(&out); err != nil {
			return wireReport{}, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		return wireReport{}, fmt.Errorf("expected mapping or sequence, got %s", doc.Tag)
	}
	return out, nil
}

func (r wireReport) normalize() (violation.Report, error) {
	vs := make([]violation.Violation, 0, len(r.Violations))
	for i, w := range r.Violations {
		v, err := w.normalize()
		if err != nil {
			return violation.Report{}, fmt.Errorf("violation %d: %w", i, err)
		}
		vs = append(vs, v)
	}
	vs = violation.Sort(vs)

	report := violation.Report{Violations: vs}
	if r.Score != nil {
		report.Score = *r.Score
	} else if len(vs) == 0 {
		report.Score = 100
	}
	if strings.TrimSpace(r.Verdict) != "" {
		verdict, err := violation.ParseVerdict(r.Verdict)
		if err != nil {
			return violation.Report{}, err
		}
		report.Verdict = verdict
	} else if len(vs) == 0 {
		report.Verdict = violation.VerdictShip
	} else {
		report.Verdict = violation.VerdictNoShip
	}
	report.Fingerprint = violation.Fingerprint(vs)
	return report, nil
}

func (w wireViolation) normalize() (violation.Violation, error) {
	v := violation.Violation{
		RuleID:   strings.TrimSpace(firstNonEmpty(w.RuleID, w.Rule)),
		File:     CleanPath(firstNonEmpty(w.File, w.Path)),
		Message:  strings.TrimSpace(w.Message),
		Severity: violation.Severity(strings.ToLower(strings.TrimSpace(w.Severity))),
		Evidence: w.Evidence,
	}
	if w.Span != nil {
		v.Span = *w.Span
	} else if w.Line > 0 {
		v.Span = violation.Span{StartLine: w.Line, EndLine: w.Line}
	}
	if v.Severity == "" {
		v.Severity = violation.SeverityMedium
	}
	if !v.Severity.IsValid() {
		return violation.Violation{}, fmt.Errorf("unknown severity %q", w.Severity)
	}
	if err := validate.Struct(v); err != nil {
		return violation.Violation{}, err
	}
	return v, nil
}

// CleanPath normalizes a reported file path to a clean, relative, forward
// slash form.
func CleanPath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	p = strings.TrimPrefix(p, "file://")
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	if p == "." {
		return ""
	}
	return p
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
