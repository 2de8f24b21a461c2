package proof

import (
	"fmt"
	"strings"
)

// Markdown renders a human summary of the bundle.
func Markdown(b *Bundle) string {
	var sb strings.Builder
	status := "FAILED"
	if b.Outcome.OK {
		status = "SHIPPED"
	}
	fmt.Fprintf(&sb, "# Proof bundle %s\n\n", short(b.BundleID))
	fmt.Fprintf(&sb, "**Outcome:** %s (`%s`)  \n", status, b.Outcome.Reason)
	fmt.Fprintf(&sb, "**Specification:** %s %s (`%s`)  \n", b.Source.Domain, b.Source.Version, short(b.Source.SpecHash))
	fmt.Fprintf(&sb, "**Gate:** %s, score %.1f, %d violation(s)\n\n", b.Gate.Verdict, b.Gate.Score, len(b.Gate.Violations))

	sb.WriteString("## Healing\n\n")
	sb.WriteString(b.Healing.Summary + "\n\n")
	if len(b.Healing.History) > 0 {
		sb.WriteString("| # | rules | applied | outcome | fingerprint |\n|---|---|---|---|---|\n")
		for _, it := range b.Healing.History {
			fmt.Fprintf(&sb, "| %d | %s | %d | %s | `%s` → `%s` |\n",
				it.Index, strings.Join(it.Rules, ", "), len(it.Applied), it.Outcome,
				short(it.FingerprintBefore), short(it.FingerprintAfter))
		}
		sb.WriteString("\n")
	}

	if len(b.Evidence) > 0 {
		sb.WriteString("## Clauses\n\n")
		for _, ev := range b.Evidence {
			fmt.Fprintf(&sb, "- **%s** %s: `%s`", ev.ClauseID, ev.Title, ev.Status)
			if len(ev.Locations) > 0 {
				locs := make([]string, 0, len(ev.Locations))
				for _, l := range ev.Locations {
					if l.Line > 0 {
						locs = append(locs, fmt.Sprintf("%s:%d", l.File, l.Line))
					} else {
						locs = append(locs, l.File)
					}
				}
				fmt.Fprintf(&sb, " (%s)", strings.Join(locs, ", "))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Chain\n\n")
	for _, m := range b.Chain {
		fmt.Fprintf(&sb, "- %s: %s", m.Stage, m.Status)
		if m.Detail != "" {
			fmt.Fprintf(&sb, " (%s)", m.Detail)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
