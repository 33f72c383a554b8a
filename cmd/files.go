// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
	"github.com/Thermoquad/pakstat/pkg/source"
)

var (
	getFileNewest string
	getFileOutput string
	fileRename    string
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List the files stored on the datalogger",
	RunE:  runFiles,
}

var getFileCmd = &cobra.Command{
	Use:   "getfile [name]",
	Short: "Receive a file from the datalogger",
	Long: `Receive a file, such as CPU:program.cr1x, and write it locally.

With --newest, the most recently updated file matching a pattern (for
example "CRD:*.jpg") is received instead of a named one.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGetFile,
}

var sendFileCmd = &cobra.Command{
	Use:   "sendfile <local> <name>",
	Short: "Send a file to the datalogger",
	Long: `Send a local file to the datalogger under the given name, such as
CPU:program.cr1x. Use filecontrol afterwards to compile and run a program.`,
	Args: cobra.ExactArgs(2),
	RunE: runSendFile,
}

var fileCommands = map[string]byte{
	"compile-run":        bmp5.FileCmdCompileRun,
	"run-on-power-up":    bmp5.FileCmdRunOnPowerUp,
	"hide":               bmp5.FileCmdHide,
	"delete":             bmp5.FileCmdDelete,
	"format":             bmp5.FileCmdFormat,
	"compile-no-keep":    bmp5.FileCmdCompileNoKeep,
	"stop":               bmp5.FileCmdStop,
	"stop-delete":        bmp5.FileCmdStopDelete,
	"make-os":            bmp5.FileCmdMakeOS,
	"compile-no-powerup": bmp5.FileCmdCompileNoPowerUp,
	"pause":              bmp5.FileCmdPause,
	"resume":             bmp5.FileCmdResume,
	"stop-delete-run":    bmp5.FileCmdStopDeleteRun,
	"stop-delete-all":    bmp5.FileCmdStopDeleteRunAll,
}

var fileControlCmd = &cobra.Command{
	Use:   "filecontrol <name> <command>",
	Short: "Run a file control command on the datalogger",
	Long: `Run a file control command on a datalogger file.

Commands: compile-run, run-on-power-up, hide, delete, format, compile-no-keep,
stop, stop-delete, make-os, compile-no-powerup, pause, resume,
stop-delete-run, stop-delete-all, rename (with --to).

Commands that change the running program make pakstat read the table
definitions again once the datalogger is ready.`,
	Args: cobra.ExactArgs(2),
	RunE: runFileControl,
}

func init() {
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(getFileCmd)
	rootCmd.AddCommand(sendFileCmd)
	rootCmd.AddCommand(fileControlCmd)

	getFileCmd.Flags().StringVar(&getFileNewest, "newest", "", "Receive the newest file matching this pattern")
	getFileCmd.Flags().StringVarP(&getFileOutput, "output", "o", "", "Local file (default: the datalogger file's base name)")
	fileControlCmd.Flags().StringVar(&fileRename, "to", "", "New name for rename")
}

func runFiles(cmd *cobra.Command, args []string) error {
	return withSession(cmd.Context(), "Files", func(ctx context.Context, s *session) error {
		type listing struct {
			outcome source.Outcome
			entries []bmp5.DirEntry
		}
		res, err := await(ctx, func(done func(listing)) {
			s.src.ListFiles(func(o source.Outcome, e []bmp5.DirEntry) { done(listing{o, e}) })
		})
		if err != nil {
			return err
		}
		if err := res.outcome.Err(); err != nil {
			return err
		}
		for i := range res.entries {
			fmt.Println(bmp5.FormatDirEntry(&res.entries[i]))
		}
		fmt.Printf("\n%d files\n", len(res.entries))
		return nil
	})
}

// localName maps a datalogger file name like "CPU:logs/a.dat" to "a.dat"
func localName(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	return path.Base(name)
}

// fileWriter stores received data in a local file
type fileWriter struct {
	f    *os.File
	name string
	size int
	err  error
	done chan source.Outcome
}

func (w *fileWriter) OnFileData(name string, offset uint32, data []byte) {
	if w.err != nil {
		return
	}
	if w.f == nil {
		out := getFileOutput
		if out == "" {
			out = localName(name)
		}
		w.name = name
		w.f, w.err = os.Create(out)
		if w.err != nil {
			return
		}
	}
	if _, err := w.f.WriteAt(data, int64(offset)); err != nil {
		w.err = err
		return
	}
	w.size += len(data)
	fmt.Fprintf(os.Stderr, "\r%s: %d bytes", name, w.size)
}

func (w *fileWriter) OnFileDone(name string, o source.Outcome) {
	w.name = name
	if w.f != nil {
		fmt.Fprintln(os.Stderr)
		if err := w.f.Close(); err != nil && w.err == nil {
			w.err = err
		}
	}
	w.done <- o
}

func runGetFile(cmd *cobra.Command, args []string) error {
	if (len(args) == 1) == (getFileNewest != "") {
		return fmt.Errorf("give either a file name or --newest")
	}

	return withSession(cmd.Context(), "Get File", func(ctx context.Context, s *session) error {
		w := &fileWriter{done: make(chan source.Outcome, 1)}
		if getFileNewest != "" {
			s.src.GetNewestFile(getFileNewest, w)
		} else {
			s.src.ReceiveFile(args[0], w)
		}

		select {
		case o := <-w.done:
			if err := o.Err(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		if w.err != nil {
			return w.err
		}
		if w.f == nil {
			// Empty file
			out := getFileOutput
			if out == "" {
				out = localName(w.name)
			}
			if err := os.WriteFile(out, nil, 0o644); err != nil {
				return err
			}
		}
		fmt.Printf("Received %s (%d bytes)\n", w.name, w.size)
		return nil
	})
}

func runSendFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	name := args[1]

	return withSession(cmd.Context(), "Send File", func(ctx context.Context, s *session) error {
		o, err := await(ctx, func(done func(source.Outcome)) { s.src.SendFile(name, data, done) })
		if err != nil {
			return err
		}
		if err := o.Err(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Printf("Sent %s (%d bytes)\n", name, len(data))
		return nil
	})
}

func runFileControl(cmd *cobra.Command, args []string) error {
	name, command := args[0], args[1]
	code, ok := fileCommands[command]
	if command == "rename" {
		if fileRename == "" {
			return fmt.Errorf("rename needs --to")
		}
	} else if !ok {
		return fmt.Errorf("unknown file command %q", command)
	}

	return withSession(cmd.Context(), "File Control", func(ctx context.Context, s *session) error {
		res, err := await(ctx, func(done func(source.FileControlResult)) {
			if command == "rename" {
				s.src.RenameFile(name, fileRename, done)
			} else {
				s.src.FileControl(name, code, done)
			}
		})
		if err != nil {
			return err
		}
		if err := res.Outcome.Err(); err != nil {
			return fmt.Errorf("%s %s: %w", command, name, err)
		}
		fmt.Printf("%s %s: done", command, name)
		if res.HoldOff > 0 {
			fmt.Printf(" (datalogger busy for %s)", res.HoldOff)
		}
		fmt.Println()
		return nil
	})
}
