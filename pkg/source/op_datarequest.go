// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
	"github.com/Thermoquad/pakstat/pkg/pakbus"
	"github.com/Thermoquad/pakstat/pkg/ranges"
)

type dataState int

const (
	dataIdle dataState = iota
	dataGetNewest
	dataDateRange
	dataCollectHoles
	dataSatisfied
)

func (d dataState) String() string {
	switch d {
	case dataIdle:
		return "idle"
	case dataGetNewest:
		return "get-newest"
	case dataDateRange:
		return "date-range"
	case dataCollectHoles:
		return "collect-holes"
	case dataSatisfied:
		return "satisfied"
	}
	return "unknown"
}

// opDataRequest collects one table for every subscription that shares it.
//
// Each poll asks for the newest record, then fills whatever lies between the
// records already collected and the newest, either by time range (first poll
// of a date based subscription) or by record number ranges ("holes").
// Collected holds every record number delivered so far, so a record is
// never delivered twice even when the datalogger repeats a fragment.
//
// Record numbers are treated as a monotonically increasing counter. The live
// window of a table ends at the newest record and reaches back Size records,
// saturating at zero.
type opDataRequest struct {
	opBase
	tableName string
	requests  []*Request

	table *bmp5.Table
	desc  *bmp5.RecordDesc
	pool  *bmp5.RecordPool

	state     dataState
	mode      bmp5.CollectMode
	collected *ranges.RangeList
	expected  *ranges.RangeList
	// floor is the first record this collection started from. Records below
	// it are never asked for.
	floor  uint32
	newest *bmp5.Record

	// date range phase
	rangeBegin, rangeEnd time.Time
	bounded              bool
	explicit             bool
	firstDelivered       uint32
	lastDelivered        uint32
	lastTime             time.Time
	anyDelivered         bool

	// hole being collected
	holeBegin, holeEnd uint32

	// partial record reassembly
	partial    []byte
	partialRec uint32
}

func newDataRequest(s *Source, table string) *opDataRequest {
	op := &opDataRequest{
		tableName: table,
		collected: ranges.New(),
		expected:  ranges.New(),
	}
	op.init(s, op, "data-request")
	op.log = op.log.With(zap.String("table", table))
	return op
}

func (op *opDataRequest) describe() string { return "collect " + op.tableName }

func (op *opDataRequest) start() { op.poll() }

// started reports whether the record description has been built. No more
// subscriptions are admitted after that.
func (op *opDataRequest) started() bool {
	return op.desc != nil
}

// admit adds req when it can share this collection
func (op *opDataRequest) admit(req *Request) bool {
	if op.done || op.desc != nil || req.Table != op.tableName {
		return false
	}
	if len(op.requests) > 0 && !op.s.cfg.Compatible(op.requests[0], req) {
		return false
	}
	op.requests = append(op.requests, req)
	req.op = op
	req.state = requestPending
	return true
}

func (op *opDataRequest) removeRequest(req *Request) {
	for i, r := range op.requests {
		if r == req {
			op.requests = append(op.requests[:i], op.requests[i+1:]...)
			break
		}
	}
	req.op = nil
	if len(op.requests) == 0 {
		op.log.Debug("last subscription removed")
		op.release()
		op.finish()
	}
}

// poll starts a collection tick unless one is already running
func (op *opDataRequest) poll() {
	if op.done || op.state == dataSatisfied || op.tran != nil {
		return
	}
	if op.desc == nil && !op.generateDesc() {
		return
	}
	op.retries = 0
	op.state = dataGetNewest
	op.collect(bmp5.CollectMostRecent, 1, 0, bmp5.NSec{}, bmp5.NSec{})
}

// generateDesc resolves every subscription's column against the table and
// builds the shared record layout
func (op *opDataRequest) generateDesc() bool {
	t := op.s.table(op.tableName)
	if t == nil {
		op.log.Warn("table not found")
		op.failAll(FailureInvalidTable)
		return false
	}

	var pieces []*bmp5.Piece
	all := false
	kept := op.requests[:0]
	for _, req := range op.requests {
		if req.Column == "" {
			all = true
			kept = append(kept, req)
			continue
		}
		p, _, err := t.FindPiece(req.Column)
		if err != nil {
			op.log.Warn("column not found", zap.String("column", req.Column), zap.Error(err))
			req.state = requestErrored
			req.op = nil
			req.Sink.OnFailure(req, FailureInvalidColumn)
			continue
		}
		pieces = append(pieces, p)
		kept = append(kept, req)
	}
	errored := len(kept) < len(op.requests)
	op.requests = kept
	if len(kept) == 0 {
		op.finish()
		op.s.retryLater()
		return false
	}
	if errored {
		op.s.retryLater()
	}
	if all {
		pieces = nil
	}

	op.table = t
	op.desc = bmp5.NewRecordDesc(t, pieces)
	op.pool = bmp5.NewRecordPool(op.desc, recordPoolSize)
	for _, req := range kept {
		req.values = valueIndexes(op.desc, req)
		req.state = requestActive
	}
	op.log.Debug("record description built",
		zap.Int("values", len(op.desc.Values)),
		zap.Bool("all", op.desc.AllPieces))
	op.loadState()
	return true
}

// valueIndexes returns the positions of the values req selected
func valueIndexes(desc *bmp5.RecordDesc, req *Request) []int {
	var out []int
	if req.Column == "" {
		for i := range desc.Values {
			out = append(out, i)
		}
		return out
	}
	p, index, err := desc.Table.FindPiece(req.Column)
	if err != nil {
		return nil
	}
	name := ""
	if len(index) > 0 {
		parts := make([]string, len(index))
		for i, v := range index {
			parts[i] = strconv.FormatUint(uint64(v), 10)
		}
		name = p.Name + "(" + strings.Join(parts, ",") + ")"
	}
	for i, v := range desc.Values {
		if v.Piece.Number != p.Number {
			continue
		}
		if name == "" || v.Name == name {
			out = append(out, i)
		}
	}
	return out
}

// ============================================================
// Commands
// ============================================================

func (op *opDataRequest) collect(mode bmp5.CollectMode, p1, p2 uint32, begin, end bmp5.NSec) {
	op.mode = mode
	cmd := &bmp5.CollectCommand{
		SecurityCode: op.s.cfg.SecurityCode,
		Mode:         mode,
		Table:        op.table.Number,
		Signature:    op.table.Signature,
		P1:           p1,
		P2:           p2,
		Begin:        begin,
		End:          end,
		Fields:       op.desc.FieldNumbers(),
	}
	op.log.Debug("collect",
		zap.Stringer("state", op.state),
		zap.Stringer("mode", mode),
		zap.Uint32("p1", p1),
		zap.Uint32("p2", p2))
	if err := op.issue(bmp5.MsgCollectData, cmd.Marshal()); err != nil {
		op.log.Warn("cannot open transaction", zap.Error(err))
		op.failAll(FailureConnection)
	}
}

func (op *opDataRequest) collectTimeRange(begin, end time.Time) {
	op.collect(bmp5.CollectTimeRange, 0, 0, bmp5.NSecFromTime(begin), bmp5.NSecFromTime(end))
}

// collectNextHole asks for the first range still expected
func (op *opDataRequest) collectNextHole() {
	rg, ok := op.expected.Front()
	if !ok {
		op.foldNewest()
		op.finishTick()
		return
	}
	op.state = dataCollectHoles
	op.holeBegin, op.holeEnd = rg.Begin, rg.End
	op.collect(bmp5.CollectRange, rg.Begin, rg.End+1, bmp5.NSec{}, bmp5.NSec{})
}

// ============================================================
// Responses
// ============================================================

func (op *opDataRequest) onMessage(t *tran, m *pakbus.Message) {
	if m.Type != bmp5.MsgCollectDataResp || op.done {
		return
	}
	resp, err := bmp5.ParseCollectResponse(m.Body, op.mode)
	if err != nil {
		op.log.Warn("bad collect response", zap.Error(err))
		op.failAll(FailureUnknown)
		return
	}
	if resp.Code != bmp5.CollectOK {
		f := failureFromCollectCode(resp.Code)
		op.log.Warn("collect refused", zap.Uint8("code", resp.Code), zap.Stringer("failure", f))
		op.failAll(f)
		return
	}
	op.retries = 0

	records, more, waiting, err := op.decode(resp)
	if err != nil {
		op.log.Warn("cannot decode records", zap.Error(err))
		op.failAll(FailureUnknown)
		return
	}
	if waiting {
		return
	}

	switch op.state {
	case dataGetNewest:
		op.onNewest(records)
	case dataDateRange:
		op.onDateRange(records, more)
	case dataCollectHoles:
		op.onHoles(records, more)
	default:
		op.pool.Put(records...)
	}
}

// decode turns a fragment into records. A partial record is buffered and
// its continuation requested, in which case waiting is true.
func (op *opDataRequest) decode(resp *bmp5.CollectResponse) (records []*bmp5.Record, more, waiting bool, err error) {
	f := resp.Fragment
	if f == nil {
		return nil, false, false, nil
	}
	if f.Table != op.table.Number {
		return nil, false, false, bmp5.ErrBadFragment
	}
	if !f.Partial && op.mode != bmp5.CollectPartial {
		records, err = bmp5.DecodeRecords(op.desc, f, op.pool)
		return records, resp.More, false, err
	}

	if op.mode != bmp5.CollectPartial {
		op.partial = op.partial[:0]
		op.partialRec = f.Begin
	} else if f.Begin != op.partialRec {
		return nil, false, false, bmp5.ErrBadFragment
	}
	op.partial = append(op.partial, f.Data...)
	full := bmp5.FullRecordSize(op.desc)
	switch {
	case len(op.partial) < full:
		if len(f.Data) == 0 {
			return nil, false, false, bmp5.ErrBadFragment
		}
		op.collect(bmp5.CollectPartial, op.partialRec, uint32(len(op.partial)), bmp5.NSec{}, bmp5.NSec{})
		return nil, false, true, nil
	case len(op.partial) > full:
		op.partial = op.partial[:0]
		return nil, false, false, bmp5.ErrBadFragment
	}
	rec, err := bmp5.DecodeRecord(op.desc, op.partialRec, op.partial, op.pool)
	op.partial = op.partial[:0]
	if err != nil {
		return nil, false, false, err
	}
	op.log.Debug("partial record reassembled", zap.Uint32("record", rec.Number))
	return []*bmp5.Record{rec}, true, false, nil
}

func (op *opDataRequest) onNewest(records []*bmp5.Record) {
	if len(records) == 0 {
		op.finishTick()
		return
	}
	last := len(records) - 1
	op.pool.Put(records[:last]...)
	op.newest = records[last]
	n := op.newest.Number

	if high, ok := op.collected.Max(); ok && n < high {
		op.log.Info("table reset detected", zap.Uint32("newest", n), zap.Uint32("collected", high))
		op.collected.Clear()
		op.floor = 0
	}
	if op.collected.IsElement(n) {
		op.finishTick()
		return
	}

	first := op.requests[0]
	if op.table.Size <= 1 || first.Start == StartNewest {
		op.deliver([]*bmp5.Record{op.newest}, false)
		op.collected = ranges.Single(n, n)
		op.finishTick()
		return
	}
	if op.collected.Empty() {
		op.startCollection(first)
		return
	}

	op.expected = op.gap(max(op.windowBegin(n), op.floor))
	if op.expected.Empty() {
		op.deliver([]*bmp5.Record{op.newest}, false)
		op.finishTick()
		return
	}
	op.collectNextHole()
}

// startCollection applies the start policy on the first poll
func (op *opDataRequest) startCollection(req *Request) {
	n := op.newest.Number
	var begin uint32
	switch req.Start {
	case StartRelativeToNewest:
		op.startDateRange(op.newest.Time.Add(-req.Backfill), op.newest.Time, false, false)
		return
	case StartDateRange:
		end, bounded := op.newest.Time, false
		if !req.End.IsZero() && req.End.Before(end) {
			end, bounded = req.End, true
		}
		op.startDateRange(req.Begin, end, bounded, true)
		return
	case StartAtRecord:
		begin = req.Record
	default:
		begin = n - min(req.Offset, n)
	}
	begin = max(begin, op.windowBegin(n))
	op.floor = min(begin, n)
	op.expected = op.gap(op.floor)
	op.log.Info("starting collection",
		zap.Stringer("policy", req.Start),
		zap.Uint32("from", op.floor),
		zap.Uint32("newest", n))
	op.collectNextHole()
}

func (op *opDataRequest) startDateRange(begin, end time.Time, bounded, explicit bool) {
	op.state = dataDateRange
	op.rangeBegin, op.rangeEnd = begin, end
	op.bounded, op.explicit = bounded, explicit
	op.anyDelivered = false
	op.log.Info("starting collection",
		zap.Time("begin", begin),
		zap.Time("end", end),
		zap.Bool("bounded", bounded))
	op.collectTimeRange(begin, end)
}

func (op *opDataRequest) onDateRange(records []*bmp5.Record, more bool) {
	n := op.newest.Number
	window := op.windowBegin(n)
	keep := make([]*bmp5.Record, 0, len(records))
	for _, r := range records {
		if op.explicit && (r.Number < window || r.Time.Before(op.rangeBegin) || r.Time.After(op.rangeEnd)) {
			continue
		}
		keep = append(keep, r)
	}
	fresh := op.deliver(keep, more)
	for _, r := range fresh {
		if !op.anyDelivered || r.Number < op.firstDelivered {
			op.firstDelivered = r.Number
		}
		if !op.anyDelivered || r.Number > op.lastDelivered {
			op.lastDelivered = r.Number
			op.lastTime = r.Time
		}
		op.anyDelivered = true
	}
	op.pool.Put(records...)

	if more && len(fresh) > 0 && op.lastTime.Before(op.rangeEnd) {
		op.collectTimeRange(op.lastTime.Add(time.Nanosecond), op.rangeEnd)
		return
	}

	op.floor = n
	if op.anyDelivered {
		op.floor = op.firstDelivered
	}
	if op.bounded {
		op.satisfy()
		return
	}

	begin := op.floor
	if op.anyDelivered {
		begin = op.lastDelivered + 1
	}
	op.expected = op.gap(begin)
	op.collectNextHole()
}

func (op *opDataRequest) onHoles(records []*bmp5.Record, more bool) {
	fresh := op.deliver(records, false)
	op.pool.Put(records...)
	if !more || len(fresh) == 0 {
		// The datalogger has nothing else in this range
		op.expected.RemoveRange(op.holeBegin, op.holeEnd)
	}
	op.collectNextHole()
}

// satisfy ends a bounded date range subscription
func (op *opDataRequest) satisfy() {
	op.log.Info("date range complete", zap.Uint32("last", op.lastDelivered))
	op.state = dataSatisfied
	for _, req := range op.active() {
		req.state = requestSatisfied
		req.Sink.OnRecords(req, nil, false)
	}
	op.saveState()
	op.release()
	op.finish()
}

// ============================================================
// Bookkeeping
// ============================================================

// windowBegin returns the oldest record number the table can still hold
func (op *opDataRequest) windowBegin(newest uint32) uint32 {
	return newest - min(newest, op.table.Size)
}

// gap returns the record numbers from begin up to just before the newest
// that have not been collected
func (op *opDataRequest) gap(begin uint32) *ranges.RangeList {
	n := op.newest.Number
	if n == 0 || begin > n-1 {
		return ranges.New()
	}
	return ranges.Single(begin, n-1).Difference(op.collected)
}

// deliver hands records not collected before to every active subscription
// and returns them
func (op *opDataRequest) deliver(records []*bmp5.Record, more bool) []*bmp5.Record {
	fresh := make([]*bmp5.Record, 0, len(records))
	for _, r := range records {
		if op.collected.IsElement(r.Number) {
			continue
		}
		op.collected.Add(r.Number)
		op.expected.Remove(r.Number)
		fresh = append(fresh, r)
	}
	if len(fresh) == 0 {
		return fresh
	}
	more = more || !op.expected.Empty()
	for _, req := range op.active() {
		req.Sink.OnRecords(req, fresh, more)
	}
	return fresh
}

// foldNewest delivers the newest record and resets Collected to the part of
// the live window this collection covers
func (op *opDataRequest) foldNewest() {
	if op.newest == nil {
		return
	}
	op.deliver([]*bmp5.Record{op.newest}, false)
	n := op.newest.Number
	op.collected = ranges.Single(max(op.windowBegin(n), op.floor), n)
}

func (op *opDataRequest) active() []*Request {
	out := make([]*Request, 0, len(op.requests))
	for _, req := range op.requests {
		if req.state == requestActive || req.state == requestSatisfied {
			out = append(out, req)
		}
	}
	return out
}

// finishTick ends the current poll
func (op *opDataRequest) finishTick() {
	op.closeTran()
	op.state = dataIdle
	if op.newest != nil {
		op.pool.Put(op.newest)
		op.newest = nil
	}
	op.expected.Clear()
	op.retries = 0
	op.saveState()
}

// release returns cached records to the pool
func (op *opDataRequest) release() {
	if op.newest != nil && op.pool != nil {
		op.pool.Put(op.newest)
	}
	op.newest = nil
	op.partial = nil
}

func (op *opDataRequest) onFailure(t *tran, f pakbus.Failure) {
	if op.retry() {
		return
	}
	op.log.Warn("collection failed", zap.Stringer("failure", f))
	if f == pakbus.FailurePacketTooBig {
		op.failAll(FailurePacketTooLarge)
		return
	}
	op.failAll(FailureConnection)
}

// failAll ends the collection and reports f to every subscription. They are
// admitted again into a new collection after the retry interval.
func (op *opDataRequest) failAll(f Failure) {
	if op.done {
		return
	}
	reqs := op.requests
	op.requests = nil
	op.release()
	op.finish()
	for _, req := range reqs {
		if req.state == requestRemoved {
			continue
		}
		req.state = requestErrored
		req.op = nil
		req.Sink.OnFailure(req, f)
	}
	op.s.retryLater()
}

// abort ends the collection because the connection went away. Subscriptions
// are told unless the source is stopping.
func (op *opDataRequest) abort(o Outcome) {
	if op.done {
		return
	}
	reqs := op.requests
	op.requests = nil
	op.release()
	op.finish()
	for _, req := range reqs {
		if req.state == requestRemoved || req.state == requestSatisfied {
			continue
		}
		req.state = requestErrored
		req.op = nil
		if o != OutcomeAborted {
			req.Sink.OnFailure(req, FailureConnection)
		}
	}
}

// detach drops the collection without failing its subscriptions, which
// return to pending. Used when table definitions change.
func (op *opDataRequest) detach() {
	if op.done {
		return
	}
	op.saveState()
	for _, req := range op.requests {
		if req.state != requestSatisfied {
			req.state = requestPending
		}
		req.op = nil
	}
	op.requests = nil
	op.release()
	op.finish()
}

// ============================================================
// Persistence
// ============================================================

func (op *opDataRequest) stateKey() string {
	cols := make([]string, 0, len(op.requests))
	for _, req := range op.requests {
		col := req.Column
		if col == "" {
			col = "*"
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return op.tableName + ":" + strings.Join(cols, ",")
}

func (op *opDataRequest) loadState() {
	store := op.s.cfg.Store
	if store == nil {
		return
	}
	st, err := store.Load(op.stateKey())
	if err != nil {
		op.log.Warn("cannot load collection state", zap.Error(err))
		return
	}
	if st == nil {
		return
	}
	if st.Signature != op.table.Signature {
		op.log.Info("table changed, discarding saved state",
			zap.Uint16("saved", st.Signature),
			zap.Uint16("current", op.table.Signature))
		return
	}
	op.floor = st.Floor
	op.collected = st.rangeList()
	op.log.Debug("collection state loaded", zap.Stringer("collected", op.collected))
}

func (op *opDataRequest) saveState() {
	store := op.s.cfg.Store
	if store == nil || op.table == nil || op.collected.Empty() {
		return
	}
	st := newCollectionState(op.table.Signature, op.floor, op.collected)
	if err := store.Save(op.stateKey(), st); err != nil {
		op.log.Warn("cannot save collection state", zap.Error(err))
	}
}
