package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/Ship-Gate/ShipGate-sub013/internal/proof"
	"github.com/Ship-Gate/ShipGate-sub013/internal/run"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

var (
	shippedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	failedStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(12)
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func summaryRow(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), valueStyle.Render(value))
}

func renderSummary(res run.Result) string {
	h := res.Heal
	badge := shippedStyle.Render("SHIPPED")
	if !h.OK {
		badge = failedStyle.Render("NOT SHIPPED")
	}
	rows := []string{
		badge,
		summaryRow("session", res.SessionID),
		summaryRow("reason", string(h.Reason)),
		summaryRow("iterations", fmt.Sprintf("%d", h.Iterations)),
		summaryRow("verdict", fmt.Sprintf("%s (score %.1f)", h.Verdict, h.Score)),
		summaryRow("patches", fmt.Sprintf("%d", h.AppliedPatches())),
	}
	if len(h.Touched) > 0 {
		rows = append(rows, summaryRow("touched", strings.Join(h.Touched, ", ")))
	}
	if len(res.Written) > 0 {
		rows = append(rows, summaryRow("written", strings.Join(res.Written, ", ")))
	}
	if res.Commit != "" {
		rows = append(rows, summaryRow("commit", res.Commit))
	}
	if res.ProofPath != "" {
		rows = append(rows, summaryRow("proof", res.ProofPath))
	}
	for _, d := range h.Diagnostics {
		rows = append(rows, summaryRow("note", d))
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func renderMarkdown(b *proof.Bundle, style string) (string, error) {
	if style == "" {
		style = "auto"
	}
	out, err := glamour.Render(proof.Markdown(b), style)
	if err != nil {
		return "", fmt.Errorf("render proof summary: %w", err)
	}
	return out, nil
}

func renderHeal(w io.Writer, res run.Result, style string) error {
	if _, err := fmt.Fprintln(w, renderSummary(res)); err != nil {
		return err
	}
	if res.Heal.Proof == nil {
		return nil
	}
	md, err := renderMarkdown(res.Heal.Proof, style)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, md)
	return err
}
