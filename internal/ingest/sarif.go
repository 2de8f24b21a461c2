package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Ship-Gate/ShipGate-sub013/internal/violation"
)

type sarifLog struct {
	Version string     `json:"version"`
	Runs    []sarifRun `json:"runs"`
}

type sarifRun struct {
	Results    []sarifResult  `json:"results"`
	Properties map[string]any `json:"properties"`
}

type sarifResult struct {
	RuleID  string `json:"ruleId"`
	Level   string `json:"level"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	Locations []struct {
		PhysicalLocation struct {
			ArtifactLocation struct {
				URI string `json:"uri"`
			} `json:"artifactLocation"`
			Region struct {
				StartLine   int `json:"startLine"`
				StartColumn int `json:"startColumn"`
				EndLine     int `json:"endLine"`
				EndColumn   int `json:"endColumn"`
			} `json:"region"`
		} `json:"physicalLocation"`
	} `json:"locations"`
	Properties map[string]any `json:"properties"`
}

var sarifLevels = map[string]violation.Severity{
	"error":   violation.SeverityHigh,
	"warning": violation.SeverityMedium,
	"note":    violation.SeverityLow,
	"none":    violation.SeverityInfo,
	"":        violation.SeverityMedium,
}

// decodeSARIF maps SARIF 2.1.0 results onto wire violations. A run may carry
// "score" and "verdict" in its property bag.
func decodeSARIF(data []byte) (wireReport, error) {
	var doc sarifLog
	if err := json.Unmarshal(data, &doc); err != nil {
		return wireReport{}, fmt.Errorf("decode sarif: %w", err)
	}
	if doc.Runs == nil {
		return wireReport{}, errors.New("sarif log has no runs")
	}

	out := wireReport{Violations: []wireViolation{}}
	for _, run := range doc.Runs {
		for _, res := range run.Results {
			sev, ok := sarifLevels[strings.ToLower(res.Level)]
			if !ok {
				return wireReport{}, fmt.Errorf("unknown sarif level %q", res.Level)
			}
			w := wireViolation{
				RuleID:   res.RuleID,
				Message:  res.Message.Text,
				Severity: string(sev),
				Evidence: res.Properties,
			}
			if len(res.Locations) > 0 {
				loc := res.Locations[0].PhysicalLocation
				w.File = loc.ArtifactLocation.URI
				w.Span = &violation.Span{
					StartLine: loc.Region.StartLine,
					StartCol:  loc.Region.StartColumn,
					EndLine:   loc.Region.EndLine,
					EndCol:    loc.Region.EndColumn,
				}
			}
			out.Violations = append(out.Violations, w)
		}
		if score, ok := run.Properties["score"].(float64); ok {
			out.Score = &score
		}
		if verdict, ok := run.Properties["verdict"].(string); ok {
			out.Verdict = verdict
		}
	}
	return out, nil
}
