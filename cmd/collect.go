// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
	"github.com/Thermoquad/pakstat/pkg/source"
)

var (
	collectColumn   string
	collectStart    string
	collectBackfill time.Duration
	collectRecord   uint32
	collectOffset   uint32
	collectBegin    string
	collectEnd      string
	collectFormat   string
	collectState    string
	collectLimit    int
	collectPoll     time.Duration
)

var collectCmd = &cobra.Command{
	Use:   "collect [table...]",
	Short: "Collect records from datalogger tables",
	Long: `Subscribe to one or more tables and print records as they are stored.

Each record in a table's live window is printed once. Where collection begins
is chosen with --start:
  newest              only the newest record on each poll (default)
  relative-to-newest  records stored within --backfill of the newest
  at-record           records from number --record on
  at-offset           the newest --offset records, then new ones
  date-range          records stamped from --begin up to --end

Without table arguments, the subscriptions of the --config station file are
used. With --state, collection resumes where the previous run stopped.

Output is one line per record, or a stream of CBOR maps with --format cbor.`,
	RunE: runCollect,
}

func init() {
	rootCmd.AddCommand(collectCmd)
	collectCmd.Flags().StringVar(&collectColumn, "column", "", "Collect one column, such as Batt_Volt or Temp(2)")
	collectCmd.Flags().StringVar(&collectStart, "start", "newest", "Start policy")
	collectCmd.Flags().DurationVar(&collectBackfill, "backfill", time.Hour, "Backfill for relative-to-newest")
	collectCmd.Flags().Uint32Var(&collectRecord, "record", 0, "First record number for at-record")
	collectCmd.Flags().Uint32Var(&collectOffset, "offset", 0, "Records before the newest for at-offset")
	collectCmd.Flags().StringVar(&collectBegin, "begin", "", "Begin time for date-range")
	collectCmd.Flags().StringVar(&collectEnd, "end", "", "End time for date-range (empty keeps collecting)")
	collectCmd.Flags().StringVar(&collectFormat, "format", "text", "Output format: text or cbor")
	collectCmd.Flags().StringVar(&collectState, "state", "", "Collection state file")
	collectCmd.Flags().IntVar(&collectLimit, "limit", 0, "Exit after this many records (0 for no limit)")
	collectCmd.Flags().DurationVar(&collectPoll, "poll", 0, "Poll interval (default 10s)")
}

// recordOut is the CBOR form of a collected record
type recordOut struct {
	Table  string         `cbor:"table"`
	Number uint32         `cbor:"record"`
	Time   time.Time      `cbor:"time"`
	Values map[string]any `cbor:"values"`
}

// printSink writes delivered records and counts them
type printSink struct {
	out    io.Writer
	enc    *cbor.Encoder
	limit  int
	count  int
	done   chan struct{}
	closed bool
	active int
}

func newPrintSink(out io.Writer, format string, limit, requests int) (*printSink, error) {
	p := &printSink{out: out, limit: limit, done: make(chan struct{}), active: requests}
	switch format {
	case "text":
	case "cbor":
		em, err := cbor.CoreDetEncOptions().EncMode()
		if err != nil {
			return nil, err
		}
		p.enc = em.NewEncoder(out)
	default:
		return nil, fmt.Errorf("unknown format %q (use text or cbor)", format)
	}
	return p, nil
}

func (p *printSink) OnRecords(req *source.Request, records []*bmp5.Record, more bool) {
	for _, r := range records {
		if p.closed {
			return
		}
		if err := p.write(req, r); err != nil {
			logger.Error("write failed", zap.Error(err))
			p.finish()
			return
		}
		p.count++
		if p.limit > 0 && p.count >= p.limit {
			p.finish()
		}
	}
	if req.Satisfied() {
		p.active--
		if p.active == 0 {
			p.finish()
		}
	}
}

func (p *printSink) OnFailure(req *source.Request, f source.Failure) {
	logger.Warn("collection failed, retrying",
		zap.Stringer("request", req),
		zap.Stringer("failure", f))
	fmt.Fprintf(os.Stderr, "[ERROR] %s: %s\n", req, f)
}

func (p *printSink) finish() {
	if !p.closed {
		p.closed = true
		close(p.done)
	}
}

func (p *printSink) write(req *source.Request, r *bmp5.Record) error {
	if p.enc != nil {
		values := make(map[string]any)
		for _, i := range req.ValueIndexes() {
			v, err := r.Value(i)
			if err != nil {
				return err
			}
			values[r.Desc.Values[i].Name] = v
		}
		return p.enc.Encode(recordOut{Table: req.Table, Number: r.Number, Time: r.Time, Values: values})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s #%d %s", req.Table, r.Number, r.Time.Format("2006-01-02 15:04:05.000"))
	for _, i := range req.ValueIndexes() {
		name := r.Desc.Values[i].Name
		v, err := r.Value(i)
		if err != nil {
			fmt.Fprintf(&b, " %s=<%v>", name, err)
			continue
		}
		fmt.Fprintf(&b, " %s=%s", name, bmp5.FormatValue(v))
	}
	b.WriteByte('\n')
	_, err := io.WriteString(p.out, b.String())
	return err
}

// collectRequests builds the subscriptions from the arguments or the station file
func collectRequests(args []string) ([]*source.Request, error) {
	var subs []subscriptionConfig
	if len(args) == 0 {
		subs = station.Subscriptions
		if len(subs) == 0 {
			return nil, fmt.Errorf("name a table or list subscriptions in the station file")
		}
	}
	for _, table := range args {
		subs = append(subs, subscriptionConfig{
			Table:    table,
			Column:   collectColumn,
			Start:    collectStart,
			Backfill: collectBackfill,
			Record:   collectRecord,
			Offset:   collectOffset,
			Begin:    collectBegin,
			End:      collectEnd,
		})
	}

	reqs := make([]*source.Request, 0, len(subs))
	for _, sub := range subs {
		req, err := sub.request()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sub.Table, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func runCollect(cmd *cobra.Command, args []string) error {
	reqs, err := collectRequests(args)
	if err != nil {
		return err
	}

	cfg := station.sourceConfig()
	if collectPoll > 0 {
		cfg.PollInterval = collectPoll
	}
	statePath := collectState
	if statePath == "" {
		statePath = station.State
	}
	if statePath != "" {
		cfg.Store = source.NewFileStateStore(statePath)
	}

	sink, err := newPrintSink(os.Stdout, collectFormat, collectLimit, len(reqs))
	if err != nil {
		return err
	}

	s, err := openSession(cfg, nil)
	if err != nil {
		return err
	}
	s.keepAlive = true
	// Banners go to stderr so the record stream stays clean
	fmt.Fprintf(os.Stderr, "Pakstat - Collect\n")
	fmt.Fprintf(os.Stderr, "Connection: %s (node %d)\n", s.info, neighborAddr)
	for _, req := range reqs {
		fmt.Fprintf(os.Stderr, "Subscription: %s (%s)\n", req, req.Start)
	}
	fmt.Fprintf(os.Stderr, "Press Ctrl+C to exit\n\n")

	return s.run(cmd.Context(), func(ctx context.Context) error {
		for _, req := range reqs {
			req.Sink = sink
			s.src.AddRequest(req)
		}
		select {
		case <-sink.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
