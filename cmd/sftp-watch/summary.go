package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/koga2020a/sftp-watch/internal/config"
)

var (
	summaryTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	summaryKey   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	summaryBox   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// renderSummary draws the startup banner: one aligned "key: value" row
// per item inside a rounded box.
func renderSummary(items []config.SummaryItem) string {
	width := 0
	for _, it := range items {
		width = max(width, len(it.Key))
	}
	rows := make([]string, 0, len(items)+1)
	rows = append(rows, summaryTitle.Render("sftp-watch"))
	for _, it := range items {
		key := summaryKey.Render(it.Key + ":" + strings.Repeat(" ", width-len(it.Key)))
		rows = append(rows, key+" "+it.Value)
	}
	return summaryBox.Render(strings.Join(rows, "\n"))
}
