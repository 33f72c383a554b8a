// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
	"github.com/Thermoquad/pakstat/pkg/source"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor [table...]",
	Short: "Watch the newest records of datalogger tables",
	Long: `Show a live view of the datalogger in a terminal UI.

The newest record of each named table (or of every table when none are named,
or the subscriptions of the --config station file) is shown as it is stored,
with link statistics and an event log. Select a table and press Tab to set one
of its values with Column=Value.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

// monitorBridge forwards source events to the TUI program
type monitorBridge struct {
	source.BaseListener
	p   *tea.Program
	src *source.Source
	// all subscribes every table as it appears
	all  bool
	reqs map[string]*source.Request
}

func (b *monitorBridge) OnConnected(stats *bmp5.ProgStats) {
	program := "unknown program"
	if stats != nil && stats.ProgramName != "" {
		program = stats.ProgramName
	}
	b.p.Send(connectedMsg{program: program})
}

func (b *monitorBridge) OnDisconnected(err error) {
	b.p.Send(disconnectedMsg{err: err})
}

func (b *monitorBridge) OnTableAdded(t *bmp5.Table) {
	if !b.all {
		return
	}
	if _, ok := b.reqs[t.Name]; !ok {
		req := &source.Request{Table: t.Name, Start: source.StartNewest, Sink: b}
		b.reqs[t.Name] = req
		b.src.AddRequest(req)
	}
	b.p.Send(tableAddedMsg{name: t.Name})
}

func (b *monitorBridge) OnTableRemoved(t *bmp5.Table) {
	if !b.all {
		b.p.Send(tableRemovedMsg{name: t.Name})
		return
	}
	if req, ok := b.reqs[t.Name]; ok {
		b.src.RemoveRequest(req)
		delete(b.reqs, t.Name)
	}
	b.p.Send(tableRemovedMsg{name: t.Name})
}

// OnRecords formats the newest record now; records are not valid after return
func (b *monitorBridge) OnRecords(req *source.Request, records []*bmp5.Record, more bool) {
	if len(records) == 0 {
		return
	}
	b.p.Send(recordsMsg{table: req.Table, count: len(records), newest: snapshot(req, records[len(records)-1])})
}

func (b *monitorBridge) OnFailure(req *source.Request, f source.Failure) {
	b.p.Send(failureMsg{table: req.Table, request: req.String(), failure: f})
}

func snapshot(req *source.Request, r *bmp5.Record) tableSnapshot {
	snap := tableSnapshot{number: r.Number, time: r.Time}
	for _, i := range req.ValueIndexes() {
		vd := r.Desc.Values[i]
		reading := valueReading{name: vd.Name, units: vd.Units}
		if v, err := r.Value(i); err != nil {
			reading.value = "<" + err.Error() + ">"
		} else {
			reading.value = bmp5.FormatValue(v)
		}
		snap.values = append(snap.values, reading)
	}
	return snap
}

func runMonitor(cmd *cobra.Command, args []string) error {
	var reqs []*source.Request
	if len(args) > 0 || len(station.Subscriptions) > 0 {
		var err error
		if reqs, err = collectRequests(args); err != nil {
			return err
		}
	}

	bridge := &monitorBridge{all: len(reqs) == 0, reqs: make(map[string]*source.Request)}
	s, err := openSession(station.sourceConfig(), bridge)
	if err != nil {
		return err
	}
	bridge.src = s.src
	s.keepAlive = true

	m := initialMonitorModel(s.info, neighborAddr)
	m.fetchLink = func() tea.Msg {
		var msg linkMsg
		s.call(func() {
			msg = linkMsg{stats: s.src.LinkStats(), connected: s.src.Connected()}
		})
		return msg
	}
	m.setValue = func(table, column, value string) tea.Cmd {
		return func() tea.Msg {
			// Stopping the source aborts the operation, so this returns
			o, err := await(context.Background(), func(done func(source.Outcome)) {
				s.src.SetValue(table, column, value, done)
			})
			return setValueMsg{target: table + "." + column, value: value, outcome: o, err: err}
		}
	}
	p := tea.NewProgram(m)
	bridge.p = p

	return s.run(cmd.Context(), func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			p.Quit()
		}()

		for _, req := range reqs {
			req.Sink = bridge
			bridge.reqs[req.Table] = req
			s.src.AddRequest(req)
			// Named tables are listed before the connection comes up
			go p.Send(tableAddedMsg{name: req.Table})
		}

		_, err := p.Run()
		return err
	})
}
