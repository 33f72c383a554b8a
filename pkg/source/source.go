// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package source collects data from a PakBus datalogger.
//
// A Source owns the PakBus router for one point-to-point link. When the link
// comes up it reads the datalogger's programming statistics and table
// definitions, then services standing subscriptions (Request) by polling
// each table on a fixed interval. Subscriptions that share a table and a
// compatible start policy share one collection, which guarantees every record
// in the table's live window is delivered once. One-shot operations (set
// value, file transfer, clock, file control, terminal, access level, and
// directory listing) share the same link and take turns with collection.
//
// All work runs on a loop.Loop. Exported methods may be called from any
// goroutine; sink and listener callbacks run on the loop.
package source

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
	"github.com/Thermoquad/pakstat/pkg/loop"
	"github.com/Thermoquad/pakstat/pkg/pakbus"
)

// Listener is told about connection and table changes
type Listener interface {
	OnConnected(stats *bmp5.ProgStats)
	OnTableAdded(t *bmp5.Table)
	OnTableRemoved(t *bmp5.Table)
	OnDisconnected(err error)
}

// BaseListener implements Listener with no-ops, for embedding
type BaseListener struct{}

func (BaseListener) OnConnected(*bmp5.ProgStats) {}
func (BaseListener) OnTableAdded(*bmp5.Table)    {}
func (BaseListener) OnTableRemoved(*bmp5.Table)  {}
func (BaseListener) OnDisconnected(error)        {}

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateConnected
	stateWaiting // waiting to reconnect
	stateStopped
)

func (c connState) String() string {
	switch c {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateWaiting:
		return "waiting"
	case stateStopped:
		return "stopped"
	}
	return "unknown"
}

// Source manages collection from one datalogger
type Source struct {
	cfg      Config
	log      *zap.Logger
	loop     *loop.Loop
	router   *pakbus.Router
	listener Listener

	state  connState
	tables []*bmp5.Table
	stats  *bmp5.ProgStats

	ops      map[operation]struct{}
	pending  []operation
	dataOps  []*opDataRequest
	requests []*Request

	terminalIDs byte

	pollTimer      *loop.Timer
	retryTimer     *loop.Timer
	reconnectTimer *loop.Timer
}

// New creates a source that writes PakBus frames to w. Bytes read from the
// transport are handed over with Receive.
func New(lp *loop.Loop, w io.Writer, cfg Config, listener Listener, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	if listener == nil {
		listener = BaseListener{}
	}
	cfg = cfg.withDefaults()
	s := &Source{
		cfg:      cfg,
		log:      log.Named("source"),
		loop:     lp,
		listener: listener,
		ops:      make(map[operation]struct{}),
	}
	s.router = pakbus.NewRouter(lp, w, cfg.Neighbor, pakbus.Config{
		Address: cfg.Address,
		Timeout: cfg.TranTimeout,
	}, linkEvents{s}, log)
	s.pollTimer = lp.NewTimer(s.onPollTimer)
	s.retryTimer = lp.NewTimer(s.onRetryTimer)
	s.reconnectTimer = lp.NewTimer(s.connect)
	return s
}

// Start connects to the datalogger
func (s *Source) Start() {
	s.loop.Post(func() {
		if s.state == stateIdle || s.state == stateStopped {
			s.connect()
		}
	})
}

// Stop closes the link. Outstanding operations are aborted and subscriptions
// are dropped without failure callbacks.
func (s *Source) Stop() {
	s.loop.Post(func() {
		if s.state == stateStopped {
			return
		}
		s.state = stateStopped
		s.stopTimers()
		s.abortAll(OutcomeAborted)
		s.router.Stop()
		s.pending = nil
	})
}

// Receive hands bytes read from the transport to the link layer
func (s *Source) Receive(data []byte) {
	buf := append([]byte(nil), data...)
	s.loop.Post(func() {
		s.router.Receive(buf)
	})
}

// Tables returns the current table definitions. Call it on the loop.
func (s *Source) Tables() []*bmp5.Table {
	return s.tables
}

// ProgramStats returns the programming statistics read at connection. Call it on the loop.
func (s *Source) ProgramStats() *bmp5.ProgStats {
	return s.stats
}

// Connected reports whether table definitions have been read. Call it on the loop.
func (s *Source) Connected() bool {
	return s.state == stateConnected
}

// LinkStats returns the link counters. Call it on the loop.
func (s *Source) LinkStats() pakbus.Statistics {
	return s.router.Stats()
}

func (s *Source) table(name string) *bmp5.Table {
	for _, t := range s.tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func (s *Source) stopTimers() {
	s.pollTimer.Stop()
	s.retryTimer.Stop()
	s.reconnectTimer.Stop()
}

// ============================================================
// Connection
// ============================================================

type linkEvents struct{ s *Source }

func (l linkEvents) OnLinkUp()                   { l.s.onLinkUp() }
func (l linkEvents) OnLinkDown(f pakbus.Failure) { l.s.connectionLost(fmt.Errorf("link down: %s", f)) }

func (s *Source) connect() {
	if s.state == stateStopped {
		return
	}
	s.log.Info("connecting", zap.Uint16("node", s.cfg.Neighbor))
	s.state = stateConnecting
	s.router.Start()
}

func (s *Source) onLinkUp() {
	if s.state != stateConnecting {
		return
	}
	s.runOp(newGetTableDefs(s))
}

// onTableDefs completes a connection attempt or a table refresh
func (s *Source) onTableDefs(tables []*bmp5.Table, stats *bmp5.ProgStats, err error) {
	if s.state != stateConnecting && s.state != stateConnected {
		return
	}
	if err != nil {
		if s.state == stateConnected {
			s.log.Warn("table refresh failed", zap.Error(err))
			return
		}
		s.connectionLost(fmt.Errorf("reading table definitions: %w", err))
		return
	}

	s.installTables(tables)
	s.stats = stats
	if s.state == stateConnecting {
		s.state = stateConnected
		s.log.Info("connected", zap.Int("tables", len(tables)), zap.String("program", stats.ProgramName))
		s.listener.OnConnected(stats)
		pending := s.pending
		s.pending = nil
		for _, op := range pending {
			s.runOp(op)
		}
	} else {
		// New definitions invalidate every record layout
		for _, op := range append([]*opDataRequest(nil), s.dataOps...) {
			op.detach()
		}
	}
	s.admitAll()
	s.pollAll()
	s.pollTimer.Reset(s.cfg.PollInterval)
}

func (s *Source) installTables(tables []*bmp5.Table) {
	for _, t := range s.tables {
		s.listener.OnTableRemoved(t)
	}
	s.tables = nil
	for _, t := range tables {
		s.tables = append(s.tables, t)
		s.listener.OnTableAdded(t)
	}
}

// connectionLost abandons the connection and schedules a reconnect
func (s *Source) connectionLost(err error) {
	if s.state == stateStopped || s.state == stateWaiting || s.state == stateIdle {
		return
	}
	s.log.Warn("connection lost", zap.Error(err), zap.Stringer("state", s.state))
	s.state = stateWaiting
	s.pollTimer.Stop()
	s.retryTimer.Stop()
	s.abortAll(OutcomeLinkFailed)
	s.router.Stop()
	s.listener.OnDisconnected(err)
	s.reconnectTimer.Reset(s.cfg.ReconnectDelay)
}

// abortAll ends every running operation. Subscriptions are marked errored
// and told about the failure unless o is OutcomeAborted.
func (s *Source) abortAll(o Outcome) {
	for op := range s.ops {
		op.abort(o)
	}
	s.ops = make(map[operation]struct{})
	s.dataOps = nil
}

// ============================================================
// Operations
// ============================================================

// startOp runs op now when connected, otherwise once connected
func (s *Source) startOp(op operation) {
	s.loop.Post(func() {
		switch s.state {
		case stateConnected:
			s.runOp(op)
		case stateStopped:
			op.abort(OutcomeAborted)
		default:
			s.pending = append(s.pending, op)
		}
	})
}

func (s *Source) runOp(op operation) {
	s.ops[op] = struct{}{}
	op.start()
}

func (s *Source) removeOp(op operation) {
	delete(s.ops, op)
	if d, ok := op.(*opDataRequest); ok {
		for i, o := range s.dataOps {
			if o == d {
				s.dataOps = append(s.dataOps[:i], s.dataOps[i+1:]...)
				break
			}
		}
	}
}

// RefreshTables reads the table definitions again, for example after a new
// program was started
func (s *Source) RefreshTables() {
	s.loop.Post(func() {
		if s.state == stateConnected {
			s.runOp(newGetTableDefs(s))
		}
	})
}

// ============================================================
// Subscriptions
// ============================================================

// AddRequest starts a subscription. req.Sink must be set.
func (s *Source) AddRequest(req *Request) {
	s.loop.Post(func() {
		if s.state == stateStopped {
			return
		}
		req.state = requestPending
		s.requests = append(s.requests, req)
		if s.state == stateConnected {
			s.admit(req)
			// Later additions posted with this one share the first poll
			s.loop.Post(s.pollNew)
		}
	})
}

// RemoveRequest ends a subscription. No further callbacks are made for it.
func (s *Source) RemoveRequest(req *Request) {
	s.loop.Post(func() {
		for i, r := range s.requests {
			if r == req {
				s.requests = append(s.requests[:i], s.requests[i+1:]...)
				break
			}
		}
		req.state = requestRemoved
		if req.op != nil {
			req.op.removeRequest(req)
		}
	})
}

// admit binds req to a collection that can share it, or starts a new one
func (s *Source) admit(req *Request) {
	for _, op := range s.dataOps {
		if op.admit(req) {
			return
		}
	}
	op := newDataRequest(s, req.Table)
	op.admit(req)
	s.dataOps = append(s.dataOps, op)
	s.ops[op] = struct{}{}
}

func (s *Source) admitAll() {
	for _, req := range s.requests {
		if req.state == requestPending || req.state == requestErrored {
			req.state = requestPending
			s.admit(req)
		}
	}
}

func (s *Source) pollAll() {
	for _, op := range append([]*opDataRequest(nil), s.dataOps...) {
		op.poll()
	}
}

// pollNew starts collections that have not polled yet
func (s *Source) pollNew() {
	if s.state != stateConnected {
		return
	}
	for _, op := range append([]*opDataRequest(nil), s.dataOps...) {
		if !op.started() {
			op.poll()
		}
	}
}

func (s *Source) onPollTimer() {
	if s.state != stateConnected {
		return
	}
	s.pollAll()
	s.pollTimer.Reset(s.cfg.PollInterval)
}

// retryLater arms the sweep that re-admits errored subscriptions
func (s *Source) retryLater() {
	if !s.retryTimer.Armed() {
		s.retryTimer.Reset(s.cfg.RetryInterval)
	}
}

func (s *Source) onRetryTimer() {
	if s.state != stateConnected {
		return
	}
	s.admitAll()
	s.pollNew()
}

// ============================================================
// One-shot operations
// ============================================================

// SetValue writes value to table.column. done is called once with the outcome.
func (s *Source) SetValue(table, column, value string, done func(Outcome)) {
	s.startOp(newSetValue(s, table, column, value, done))
}

// SendFile writes data to the datalogger as name
func (s *Source) SendFile(name string, data []byte, done func(Outcome)) {
	s.startOp(newSendFile(s, name, data, done))
}

// ReceiveFile reads the named file from the datalogger
func (s *Source) ReceiveFile(name string, sink FileSink) {
	s.startOp(newGetFile(s, name, "", sink))
}

// GetNewestFile reads the most recently updated file matching pattern
func (s *Source) GetNewestFile(pattern string, sink FileSink) {
	s.startOp(newGetFile(s, "", pattern, sink))
}

// ListFiles reads the datalogger directory
func (s *Source) ListFiles(done func(Outcome, []bmp5.DirEntry)) {
	s.startOp(newListFiles(s, done))
}

// CheckClock reads the datalogger clock
func (s *Source) CheckClock(done func(ClockResult)) {
	s.startOp(newClock(s, time.Time{}, done))
}

// SetClock sets the datalogger clock to t. The clock is read first and then
// adjusted by the difference.
func (s *Source) SetClock(t time.Time, done func(ClockResult)) {
	s.startOp(newClock(s, t, done))
}

// FileControl runs a file command such as compile, stop, or delete
func (s *Source) FileControl(file string, command byte, done func(FileControlResult)) {
	s.startOp(newFileControl(s, file, command, "", done))
}

// RenameFile renames a file on the datalogger
func (s *Source) RenameFile(from, to string, done func(FileControlResult)) {
	s.startOp(newFileControl(s, from, bmp5.FileCmdRename, to, done))
}

// CheckAccessLevel reports the access granted to the configured security code
func (s *Source) CheckAccessLevel(done func(AccessResult)) {
	s.startOp(newAccessLevel(s, done))
}

// OpenTerminal starts a terminal session
func (s *Source) OpenTerminal(sink TerminalSink) *Terminal {
	op := newTerminal(s, sink)
	s.startOp(op)
	return &Terminal{s: s, op: op}
}
