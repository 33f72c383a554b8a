// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
)

var accessCmd = &cobra.Command{
	Use:   "access",
	Short: "Show the access level granted to the security code",
	RunE:  runAccess,
}

func init() {
	rootCmd.AddCommand(accessCmd)
}

func runAccess(cmd *cobra.Command, args []string) error {
	return withSession(cmd.Context(), "Access Level", func(ctx context.Context, s *session) error {
		res, err := await(ctx, s.src.CheckAccessLevel)
		if err != nil {
			return err
		}
		if err := res.Outcome.Err(); err != nil {
			return err
		}
		fmt.Printf("Security code %d: %s\n", securityCode, bmp5.AccessLevelName(res.Level))
		return nil
	})
}
