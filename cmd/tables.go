// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
)

var tablesCmd = &cobra.Command{
	Use:   "tables [table...]",
	Short: "Show the datalogger's program and table definitions",
	Long: `Connect, read the programming statistics and table definitions, and
print them. Name tables to limit the output to those tables.`,
	RunE: runTables,
}

func init() {
	rootCmd.AddCommand(tablesCmd)
}

var (
	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	tableStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func runTables(cmd *cobra.Command, args []string) error {
	return withSession(cmd.Context(), "Table Definitions", func(ctx context.Context, s *session) error {
		var stats *bmp5.ProgStats
		var tables []*bmp5.Table
		s.call(func() {
			stats = s.src.ProgramStats()
			tables = s.src.Tables()
		})

		if stats != nil {
			fmt.Println(sectionStyle.Render("Program"))
			fmt.Println(tableStyle.Render(bmp5.FormatProgStats(stats)))
		}

		wanted := make(map[string]bool)
		for _, name := range args {
			wanted[name] = true
		}
		shown := 0
		for _, t := range tables {
			if len(wanted) > 0 && !wanted[t.Name] {
				continue
			}
			fmt.Println(sectionStyle.Render(fmt.Sprintf("Table %d: %s", t.Number, t.Name)))
			fmt.Println(tableStyle.Render(bmp5.FormatTable(t)))
			shown++
		}
		if len(wanted) > 0 && shown < len(wanted) {
			return fmt.Errorf("%d of %d tables not found", len(wanted)-shown, len(wanted))
		}
		return nil
	})
}
