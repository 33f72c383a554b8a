// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Thermoquad/pakstat/pkg/source"
)

// escapeKey ends the session (Ctrl+])
const escapeKey = 0x1d

var terminalCmd = &cobra.Command{
	Use:   "terminal",
	Short: "Open the datalogger's terminal",
	Long: `Open an interactive session with the datalogger's terminal mode.

Keystrokes are sent as typed and output is shown as it arrives. Press Ctrl+]
to close the session.`,
	RunE: runTerminal,
}

func init() {
	rootCmd.AddCommand(terminalCmd)
}

type terminalOut struct {
	closed chan source.Outcome
}

func (t *terminalOut) OnTerminalData(data []byte) {
	os.Stdout.Write(data)
}

func (t *terminalOut) OnTerminalClosed(o source.Outcome) {
	t.closed <- o
}

func runTerminal(cmd *cobra.Command, args []string) error {
	return withSession(cmd.Context(), "Terminal", func(ctx context.Context, s *session) error {
		fmt.Printf("Press Ctrl+] to exit\n\n")

		stdin := int(os.Stdin.Fd())
		if term.IsTerminal(stdin) {
			state, err := term.MakeRaw(stdin)
			if err != nil {
				return fmt.Errorf("failed to enter raw mode: %w", err)
			}
			defer term.Restore(stdin, state)
		}

		out := &terminalOut{closed: make(chan source.Outcome, 1)}
		t := s.src.OpenTerminal(out)

		// The reader is left blocked on stdin when the session ends
		keys := make(chan []byte)
		go func() {
			buf := make([]byte, 256)
			for {
				n, err := os.Stdin.Read(buf)
				if err != nil {
					close(keys)
					return
				}
				keys <- append([]byte(nil), buf[:n]...)
			}
		}()

		for {
			select {
			case data, ok := <-keys:
				if !ok {
					t.Close()
					keys = nil
					continue
				}
				if i := bytes.IndexByte(data, escapeKey); i >= 0 {
					t.Send(data[:i])
					t.Close()
					keys = nil
					continue
				}
				t.Send(data)
			case o := <-out.closed:
				fmt.Print("\r\n")
				return o.Err()
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}
