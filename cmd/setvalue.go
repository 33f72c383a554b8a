// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/pakstat/pkg/source"
)

var setValueCmd = &cobra.Command{
	Use:   "setvalue <table> <column> <value>",
	Short: "Set a value in a datalogger table",
	Long: `Write one value into a table, usually the Public table.

The column may name an array element, such as Setpoint(2). The value is
checked against the column's type before it is sent.`,
	Args: cobra.ExactArgs(3),
	RunE: runSetValue,
}

func init() {
	rootCmd.AddCommand(setValueCmd)
}

func runSetValue(cmd *cobra.Command, args []string) error {
	table, column, value := args[0], args[1], args[2]
	return withSession(cmd.Context(), "Set Value", func(ctx context.Context, s *session) error {
		o, err := await(ctx, func(done func(source.Outcome)) {
			s.src.SetValue(table, column, value, done)
		})
		if err != nil {
			return err
		}
		if err := o.Err(); err != nil {
			return fmt.Errorf("%s.%s: %w", table, column, err)
		}
		fmt.Printf("%s.%s = %s\n", table, column, value)
		return nil
	})
}
