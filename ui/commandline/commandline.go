// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools to report on session runs in the command line.
package commandline

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gosession/pkg/session"
)

// Output where the progress bar and tables are written. It defaults to os.Stderr, so the standard output
// is left for the results.
var Output io.Writer = os.Stderr

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// newTable creates a lipgloss table with the package style: the first column is right aligned.
func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

// statsRows returns the rows of the stats table.
func statsRows(stats session.Stats) [][]string {
	return [][]string{
		{"Runs", humanize.Comma(stats.RunCount)},
		{"Errors", humanize.Comma(stats.ErrorCount)},
		{"Compiled executables", humanize.Comma(int64(stats.NumCompiled))},
		{"Total time", FormatDuration(stats.TotalTime)},
		{"Average run", FormatDuration(stats.AverageTime())},
		{"Last run", FormatDuration(stats.LastRunTime)},
	}
}

// StatsTable renders the session statistics as a table.
func StatsTable(stats session.Stats) string {
	table := newTable()
	for _, row := range statsRows(stats) {
		table.Row(row...)
	}
	return table.String()
}

// PlacementTable renders the device placement of the nodes, given as the lines returned by
// session.Session.PlacementReport.
func PlacementTable(placements []string) string {
	table := newTable().Headers("Node", "Op", "Device")
	for _, line := range placements {
		parts := strings.SplitN(line, ": ", 3)
		for len(parts) < 3 {
			parts = append(parts, "")
		}
		table.Row(parts[0], strings.Trim(parts[1], "()"), parts[2])
	}
	return table.String()
}
