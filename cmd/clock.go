// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/pakstat/pkg/source"
)

var (
	clockSet    bool
	clockTarget string
)

var clockCmd = &cobra.Command{
	Use:   "clock",
	Short: "Check or set the datalogger clock",
	Long: `Read the datalogger clock and show how far it is from this computer's.

With --set the clock is moved to this computer's time, or to the time given
with --to.`,
	RunE: runClock,
}

func init() {
	rootCmd.AddCommand(clockCmd)
	clockCmd.Flags().BoolVar(&clockSet, "set", false, "Set the datalogger clock")
	clockCmd.Flags().StringVar(&clockTarget, "to", "", "Time to set instead of this computer's")
}

func runClock(cmd *cobra.Command, args []string) error {
	target, err := parseTime(clockTarget)
	if err != nil {
		return err
	}
	if !target.IsZero() {
		clockSet = true
	}

	return withSession(cmd.Context(), "Clock", func(ctx context.Context, s *session) error {
		var res source.ClockResult
		var err error
		if clockSet {
			if target.IsZero() {
				target = time.Now()
			}
			res, err = await(ctx, func(done func(source.ClockResult)) { s.src.SetClock(target, done) })
		} else {
			res, err = await(ctx, s.src.CheckClock)
		}
		if err != nil {
			return err
		}
		if err := res.Outcome.Err(); err != nil {
			return err
		}

		fmt.Printf("Datalogger: %s\n", res.Time.Format("2006-01-02 15:04:05.000"))
		fmt.Printf("Computer:   %s\n", time.Now().Format("2006-01-02 15:04:05.000"))
		if clockSet {
			fmt.Printf("Adjusted:   %s\n", res.Adjustment)
		} else {
			fmt.Printf("Difference: %s\n", time.Until(res.Time).Round(time.Millisecond))
		}
		return nil
	})
}
