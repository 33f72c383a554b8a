// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
	"github.com/Thermoquad/pakstat/pkg/loop"
	"github.com/Thermoquad/pakstat/pkg/pakbus"
)

// maxFragmentData keeps every simulated collect response inside one packet
const maxFragmentData = 900

// recordBase is the time stamp of record zero in every simulated table
var recordBase = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func deviceTables() []*bmp5.Table {
	return []*bmp5.Table{
		{
			Name:     "Status",
			Size:     1,
			TimeType: bmp5.TypeNSec,
			Pieces: []*bmp5.Piece{
				{Type: bmp5.TypeASCII, ReadOnly: true, Name: "OSVersion", Begin: 1, Count: 16, Dims: bmp5.Dimensions{16}},
				{Type: bmp5.TypeIEEE4, Name: "Battery", Units: "V", Begin: 1, Count: 1, Dims: bmp5.Dimensions{1}},
				{Type: bmp5.TypeIEEE4, Name: "Setpoint", Begin: 1, Count: 1, Dims: bmp5.Dimensions{1}},
			},
		},
		{
			Name:     "Hourly",
			Size:     100,
			TimeType: bmp5.TypeNSec,
			Interval: time.Hour,
			Pieces: []*bmp5.Piece{
				{Type: bmp5.TypeIEEE4, Name: "TempC", Units: "Deg C", Process: "Avg", Begin: 1, Count: 1, Dims: bmp5.Dimensions{1}},
				{Type: bmp5.TypeUInt4, Name: "Count", Process: "Tot", Begin: 1, Count: 1, Dims: bmp5.Dimensions{1}},
				{Type: bmp5.TypeUInt2, Name: "Flags", Process: "Smp", Begin: 1, Count: 3, Dims: bmp5.Dimensions{3}},
			},
		},
		{
			Name:     "Events",
			Size:     100,
			TimeType: bmp5.TypeNSec,
			Pieces: []*bmp5.Piece{
				{Type: bmp5.TypeUInt2, Name: "Code", Begin: 1, Count: 1, Dims: bmp5.Dimensions{1}},
			},
		},
	}
}

// devTable holds the records of one simulated table. Records oldest through
// newest exist; an empty table has none.
type devTable struct {
	def    *bmp5.Table
	oldest uint32
	newest uint32
	empty  bool
	// sent marks every record returned by a collect command
	sent map[uint32]bool
}

func (d *devTable) setNewest(n uint32) {
	d.empty = false
	d.newest = n
	d.oldest = n - min(n, d.def.Size-1)
}

func (d *devTable) recordTime(n uint32) time.Time {
	if d.def.FixedInterval() {
		return recordBase.Add(time.Duration(n) * d.def.Interval)
	}
	return recordBase.Add(time.Duration(n) * time.Minute)
}

// valueBytes encodes the values of piece p in record n
func valueBytes(p *bmp5.Piece, n uint32) []byte {
	var out []byte
	for i := 0; i < p.ValueCount(); i++ {
		b := make([]byte, p.ValueSize())
		switch p.Type {
		case bmp5.TypeIEEE4:
			binary.BigEndian.PutUint32(b, math.Float32bits(float32(n)+float32(p.Number)/10))
		case bmp5.TypeUInt4:
			binary.BigEndian.PutUint32(b, n*10+uint32(i))
		case bmp5.TypeUInt2:
			binary.BigEndian.PutUint16(b, uint16(n)+uint16(i))
		case bmp5.TypeASCII:
			copy(b, "OS-"+strings.Repeat("x", int(n%4)))
		}
		out = append(out, b...)
	}
	return out
}

func selected(fields []uint16, p *bmp5.Piece) bool {
	if len(fields) == 0 {
		return true
	}
	for _, f := range fields {
		if f == p.Number {
			return true
		}
	}
	return false
}

// encodeRecord returns the values of record n for the selected fields,
// preceded by its time stamp when stamped is set
func (d *devTable) encodeRecord(n uint32, fields []uint16, stamped bool) []byte {
	var out []byte
	if stamped {
		ts, _ := bmp5.EncodeTime(d.def.TimeType, d.recordTime(n))
		out = append(out, ts...)
	}
	for _, p := range d.def.Pieces {
		if selected(fields, p) {
			out = append(out, valueBytes(p, n)...)
		}
	}
	return out
}

// device is a simulated datalogger on the far side of the link
type device struct {
	t      *testing.T
	tables map[string]*devTable
	byNum  map[uint16]*devTable
	tdf    []byte
	files  map[string][]byte
	dir    []bmp5.DirEntry

	progCode    byte
	collectCode byte
	// maxRecords caps the records in one collect response; the rest are
	// flagged with More
	maxRecords int
	// overlap repeats up to this many already sent records ahead of a range
	overlap uint32
	// partialParts splits each record into this many partial fragments
	partialParts int
	// silent drops every BMP5 command
	silent bool
	// dropDownloads drops this many file download commands
	dropDownloads int

	clock       time.Time
	holdOff     time.Duration
	setValue    *bmp5.SetValuesCommand
	setCode     byte
	fileControl []*bmp5.FileControlCommand
	downloads   []*bmp5.FileDownloadCommand

	progStats int
	collects  []*bmp5.CollectCommand
}

func newDevice(t *testing.T) *device {
	d := &device{
		t:      t,
		tables: make(map[string]*devTable),
		byNum:  make(map[uint16]*devTable),
		files:  make(map[string][]byte),
		clock:  time.Date(2024, 6, 1, 11, 59, 0, 0, time.UTC),
	}
	d.setTables(deviceTables())
	return d
}

// setTables installs new table definitions. Record counters start empty.
func (d *device) setTables(defs []*bmp5.Table) {
	d.tdf = bmp5.MarshalTDF(defs)
	parsed, err := bmp5.ParseTDF(d.tdf)
	require.NoError(d.t, err)
	d.tables = make(map[string]*devTable)
	d.byNum = make(map[uint16]*devTable)
	for _, def := range parsed {
		dt := &devTable{def: def, empty: true, sent: make(map[uint32]bool)}
		d.tables[def.Name] = dt
		d.byNum[def.Number] = dt
	}
}

func (d *device) table(name string) *devTable {
	dt, ok := d.tables[name]
	require.True(d.t, ok, "no table %s", name)
	return dt
}

// resetCollects clears the command log
func (d *device) resetCollects() {
	d.collects = nil
}

func (d *device) collectModes() []bmp5.CollectMode {
	modes := make([]bmp5.CollectMode, len(d.collects))
	for i, c := range d.collects {
		modes[i] = c.Mode
	}
	return modes
}

func (d *device) reply(p *pakbus.Packet, msgType uint8, body []byte) *pakbus.Packet {
	return &pakbus.Packet{
		LinkState: pakbus.LinkReady,
		DstPhy:    p.SrcPhy,
		SrcPhy:    p.DstPhy,
		Proto:     pakbus.ProtoBMP5,
		DstNode:   p.SrcNode,
		SrcNode:   p.DstNode,
		MsgType:   msgType,
		TranNbr:   p.TranNbr,
		Body:      body,
	}
}

// handle answers one packet from the source
func (d *device) handle(p *pakbus.Packet) []*pakbus.Packet {
	if p.Control {
		if p.LinkState == pakbus.LinkRing {
			return []*pakbus.Packet{pakbus.NewControlPacket(pakbus.LinkReady, p.SrcPhy, p.DstPhy)}
		}
		return nil
	}
	if p.Proto != pakbus.ProtoBMP5 || d.silent {
		return nil
	}

	var body []byte
	var respType uint8
	switch p.MsgType {
	case bmp5.MsgProgStats:
		d.progStats++
		respType = bmp5.MsgProgStatsResp
		body = (&bmp5.ProgStatsResponse{Code: d.progCode, Stats: bmp5.ProgStats{
			OSVersion:    "CR1000X.Std.07",
			SerialNumber: "12345",
			ProgramName:  "CPU:station.cr1x",
			ProgramSig:   0xBEEF,
			CompileState: bmp5.CompileRunning,
		}}).Marshal()
	case bmp5.MsgFileUpload:
		respType = bmp5.MsgFileUploadResp
		body = d.fileUpload(p.Body)
	case bmp5.MsgFileDownload:
		cmd, err := bmp5.ParseFileDownloadCommand(p.Body)
		require.NoError(d.t, err)
		if d.dropDownloads > 0 {
			d.dropDownloads--
			return nil
		}
		d.downloads = append(d.downloads, cmd)
		file := d.files[cmd.FileName][:min(int(cmd.Offset), len(d.files[cmd.FileName]))]
		d.files[cmd.FileName] = append(file, cmd.Data...)
		respType = bmp5.MsgFileDownloadResp
		body = (&bmp5.FileDownloadResponse{Code: bmp5.FileOK, Offset: cmd.Offset}).Marshal()
	case bmp5.MsgCollectData:
		respType = bmp5.MsgCollectDataResp
		body = d.collect(p.Body)
	case bmp5.MsgClock:
		cmd, err := bmp5.ParseClockCommand(p.Body)
		require.NoError(d.t, err)
		respType = bmp5.MsgClockResp
		body = (&bmp5.ClockResponse{Code: bmp5.RespComplete, Time: bmp5.NSecFromTime(d.clock)}).Marshal()
		d.clock = d.clock.Add(cmd.Adjust.Duration())
	case bmp5.MsgSetValues:
		cmd, err := bmp5.ParseSetValuesCommand(p.Body)
		require.NoError(d.t, err)
		d.setValue = cmd
		respType = bmp5.MsgSetValuesResp
		body = (&bmp5.CodeResponse{Code: d.setCode}).Marshal()
	case bmp5.MsgFileControl:
		cmd, err := bmp5.ParseFileControlCommand(p.Body)
		require.NoError(d.t, err)
		d.fileControl = append(d.fileControl, cmd)
		respType = bmp5.MsgFileControlResp
		body = (&bmp5.FileControlResponse{Code: bmp5.FileOK, HoldOff: d.holdOff}).Marshal()
	case bmp5.MsgAccessLevel:
		respType = bmp5.MsgAccessLevelResp
		body = (&bmp5.AccessLevelResponse{Code: bmp5.RespComplete, Level: bmp5.AccessReadWrite}).Marshal()
	case bmp5.MsgTerminal:
		cmd, err := bmp5.ParseTerminalCommand(p.Body)
		require.NoError(d.t, err)
		respType = bmp5.MsgTerminalResp
		body = (&bmp5.TerminalResponse{
			Code:   bmp5.RespComplete,
			TermID: cmd.TermID,
			Data:   bytes.ToUpper(cmd.Data),
		}).Marshal()
	default:
		return nil
	}
	return []*pakbus.Packet{d.reply(p, respType, body)}
}

func (d *device) fileUpload(body []byte) []byte {
	cmd, err := bmp5.ParseFileUploadCommand(body)
	require.NoError(d.t, err)
	var data []byte
	switch cmd.FileName {
	case bmp5.TableDefsFile:
		data = d.tdf
	case bmp5.DirectoryFile:
		data = bmp5.MarshalDir(d.dir)
	default:
		f, ok := d.files[cmd.FileName]
		if !ok {
			return (&bmp5.FileUploadResponse{Code: bmp5.FileInvalidName}).Marshal()
		}
		data = f
	}
	begin := min(int(cmd.Offset), len(data))
	end := min(begin+int(cmd.Swath), len(data))
	return (&bmp5.FileUploadResponse{Code: bmp5.FileOK, Offset: cmd.Offset, Data: data[begin:end]}).Marshal()
}

func (d *device) collect(body []byte) []byte {
	cmd, err := bmp5.ParseCollectCommand(body)
	require.NoError(d.t, err)
	d.collects = append(d.collects, cmd)
	if d.collectCode != 0 {
		return (&bmp5.CollectResponse{Code: d.collectCode}).Marshal(cmd.Mode)
	}
	dt, ok := d.byNum[cmd.Table]
	if !ok || dt.def.Signature != cmd.Signature {
		return (&bmp5.CollectResponse{Code: bmp5.CollectInvalidTableDf}).Marshal(cmd.Mode)
	}
	empty := (&bmp5.CollectResponse{Code: bmp5.CollectOK}).Marshal(cmd.Mode)
	if dt.empty {
		return empty
	}

	if cmd.Mode == bmp5.CollectPartial {
		full := dt.encodeRecord(cmd.P1, cmd.Fields, true)
		chunk := d.partialChunk(len(full))
		begin := min(int(cmd.P2), len(full))
		end := min(begin+chunk, len(full))
		return (&bmp5.CollectResponse{Code: bmp5.CollectOK, Fragment: &bmp5.Fragment{
			Table:   cmd.Table,
			Begin:   cmd.P1,
			Count:   1,
			Partial: true,
			Offset:  uint16(begin),
			Data:    full[begin:end],
		}}).Marshal(cmd.Mode)
	}

	var numbers []uint32
	switch cmd.Mode {
	case bmp5.CollectMostRecent:
		count := min(cmd.P1, dt.newest-dt.oldest+1)
		for n := dt.newest - count + 1; n <= dt.newest; n++ {
			numbers = append(numbers, n)
		}
	case bmp5.CollectRange:
		begin := max(cmd.P1, dt.oldest)
		for k := uint32(0); k < d.overlap && begin > dt.oldest && dt.sent[begin-1]; k++ {
			begin--
		}
		for n := begin; n < cmd.P2 && n <= dt.newest; n++ {
			numbers = append(numbers, n)
		}
	case bmp5.CollectTimeRange:
		from, to := cmd.Begin.Time(), cmd.End.Time()
		for n := dt.oldest; n <= dt.newest; n++ {
			ts := dt.recordTime(n)
			if !ts.Before(from) && ts.Before(to) {
				numbers = append(numbers, n)
			}
		}
	}
	if len(numbers) == 0 {
		return empty
	}

	if d.partialParts > 0 {
		full := dt.encodeRecord(numbers[0], cmd.Fields, true)
		chunk := d.partialChunk(len(full))
		return (&bmp5.CollectResponse{Code: bmp5.CollectOK, More: len(numbers) > 1, Fragment: &bmp5.Fragment{
			Table:   cmd.Table,
			Begin:   numbers[0],
			Count:   1,
			Partial: true,
			Data:    full[:chunk],
		}}).Marshal(cmd.Mode)
	}

	more := false
	if d.maxRecords > 0 && len(numbers) > d.maxRecords {
		numbers = numbers[:d.maxRecords]
		more = true
	}
	var data []byte
	for i, n := range numbers {
		rec := dt.encodeRecord(n, cmd.Fields, i == 0 || !dt.def.FixedInterval())
		if len(data)+len(rec) > maxFragmentData {
			numbers = numbers[:i]
			more = true
			break
		}
		data = append(data, rec...)
		dt.sent[n] = true
	}
	return (&bmp5.CollectResponse{Code: bmp5.CollectOK, More: more, Fragment: &bmp5.Fragment{
		Table: cmd.Table,
		Begin: numbers[0],
		Count: uint16(len(numbers)),
		Data:  data,
	}}).Marshal(cmd.Mode)
}

func (d *device) partialChunk(full int) int {
	return (full + d.partialParts - 1) / d.partialParts
}

// ============================================================
// Harness
// ============================================================

type recordingListener struct {
	connected    int
	disconnected []error
	added        []string
	removed      []string
}

func (l *recordingListener) OnConnected(*bmp5.ProgStats)  { l.connected++ }
func (l *recordingListener) OnTableAdded(t *bmp5.Table)   { l.added = append(l.added, t.Name) }
func (l *recordingListener) OnTableRemoved(t *bmp5.Table) { l.removed = append(l.removed, t.Name) }
func (l *recordingListener) OnDisconnected(err error) {
	l.disconnected = append(l.disconnected, err)
}

// recordingSink keeps everything delivered to one subscription
type recordingSink struct {
	numbers  []uint32
	seen     map[uint32]int
	data     map[uint32][]byte
	times    map[uint32]time.Time
	values   map[uint32][]any
	batches  int
	finished int
	failures []Failure
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		seen:   make(map[uint32]int),
		data:   make(map[uint32][]byte),
		times:  make(map[uint32]time.Time),
		values: make(map[uint32][]any),
	}
}

func (s *recordingSink) OnRecords(req *Request, records []*bmp5.Record, more bool) {
	if len(records) == 0 {
		if !more {
			s.finished++
		}
		return
	}
	s.batches++
	for _, r := range records {
		s.numbers = append(s.numbers, r.Number)
		s.seen[r.Number]++
		s.data[r.Number] = append([]byte(nil), r.Data...)
		s.times[r.Number] = r.Time
		var vals []any
		for _, i := range req.ValueIndexes() {
			v, _ := r.Value(i)
			vals = append(vals, v)
		}
		s.values[r.Number] = vals
	}
}

func (s *recordingSink) OnFailure(req *Request, f Failure) {
	s.failures = append(s.failures, f)
}

// requireOnce fails when any record was delivered more than once
func (s *recordingSink) requireOnce(t *testing.T) {
	t.Helper()
	for n, c := range s.seen {
		require.Equal(t, 1, c, "record %d delivered %d times", n, c)
	}
}

func span(begin, end uint32) []uint32 {
	var out []uint32
	for n := begin; n <= end; n++ {
		out = append(out, n)
	}
	return out
}

type harness struct {
	t        *testing.T
	clock    clockwork.FakeClock
	loop     *loop.Loop
	wire     *bytes.Buffer
	dev      *device
	src      *Source
	listener *recordingListener
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	h := &harness{
		t:        t,
		clock:    clock,
		loop:     loop.New(clock),
		wire:     &bytes.Buffer{},
		dev:      newDevice(t),
		listener: &recordingListener{},
	}
	h.src = New(h.loop, h.wire, cfg, h.listener, zaptest.NewLogger(t))
	return h
}

// settle runs the loop and lets the device answer until both go quiet
func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 10000; i++ {
		h.loop.RunPending()
		if h.wire.Len() == 0 {
			return
		}
		h.exchange()
	}
	h.t.Fatal("source and device did not settle")
}

func (h *harness) exchange() {
	h.t.Helper()
	d := pakbus.NewDecoder()
	_, _ = d.Write(h.wire.Bytes())
	h.wire.Reset()
	for {
		p, err := d.Next()
		require.NoError(h.t, err)
		if p == nil {
			return
		}
		for _, r := range h.dev.handle(p) {
			h.src.Receive(pakbus.MustEncodePacket(r))
		}
	}
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.settle()
}

func (h *harness) connect() {
	h.t.Helper()
	h.src.Start()
	h.settle()
	require.True(h.t, h.src.Connected(), "source did not connect")
}

// poll runs one scheduled collection tick
func (h *harness) poll() {
	h.t.Helper()
	h.advance(h.src.cfg.PollInterval)
}

func (h *harness) subscribe(req *Request) *recordingSink {
	h.t.Helper()
	sink := newRecordingSink()
	req.Sink = sink
	h.src.AddRequest(req)
	h.settle()
	return sink
}

func (h *harness) dataOp(table string) *opDataRequest {
	for _, op := range h.src.dataOps {
		if op.tableName == table {
			return op
		}
	}
	return nil
}
