// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bmp5

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"
)

func sampleTables() []*Table {
	return []*Table{
		{
			Name:     "Status",
			Size:     1,
			TimeType: TypeNSec,
			Pieces: []*Piece{
				{Type: TypeASCII, ReadOnly: true, Name: "OSVersion", Begin: 1, Count: 24, Dims: Dimensions{24}},
				{Type: TypeIEEE4, Name: "Battery", Units: "V", Process: "Smp", Begin: 1, Count: 1, Dims: Dimensions{1}},
			},
		},
		{
			Name:     "Hourly",
			Size:     100,
			TimeType: TypeNSec,
			Interval: time.Hour,
			Pieces: []*Piece{
				{Type: TypeFP2, Name: "TempC", Units: "Deg C", Process: "Avg", Begin: 1, Count: 1, Dims: Dimensions{1}},
				{Type: TypeIEEE4, Name: "Grid", Process: "Smp", Begin: 1, Count: 6, Dims: Dimensions{2, 3}},
				{Type: TypeUInt2, Name: "Count", Process: "Tot", Begin: 1, Count: 1, Dims: Dimensions{1}},
			},
		},
	}
}

func parsedSample(t *testing.T) []*Table {
	t.Helper()
	tables, err := ParseTDF(MarshalTDF(sampleTables()))
	if err != nil {
		t.Fatalf("ParseTDF: %v", err)
	}
	return tables
}

// ============================================================
// Dimension and Piece Tests
// ============================================================

func TestDimensions_RoundTrip(t *testing.T) {
	dims := Dimensions{2, 3}
	for off := uint32(0); off < dims.Size(); off++ {
		index := dims.ToIndex(off)
		if got := dims.ToOffset(index); got != off {
			t.Errorf("ToOffset(ToIndex(%d)) = %d (index %v)", off, got, index)
		}
	}
	if got := dims.ToIndex(5); !reflect.DeepEqual(got, []uint32{2, 3}) {
		t.Errorf("ToIndex(5) = %v", got)
	}
}

func TestPiece_FormatValueName(t *testing.T) {
	p := &Piece{Type: TypeIEEE4, Name: "Name", Begin: 1, Count: 6, Dims: Dimensions{2, 3}}
	want := []string{"Name(1,1)", "Name(1,2)", "Name(1,3)", "Name(2,1)", "Name(2,2)", "Name(2,3)"}
	for i, w := range want {
		if got := p.FormatValueName(i); got != w {
			t.Errorf("FormatValueName(%d) = %q, want %q", i, got, w)
		}
	}

	// A piece that starts inside the array
	p = &Piece{Type: TypeIEEE4, Name: "Name", Begin: 4, Count: 3, Dims: Dimensions{2, 3}}
	if got := p.FormatValueName(0); got != "Name(2,1)" {
		t.Errorf("offset piece first value = %q", got)
	}

	scalar := &Piece{Type: TypeFP2, Name: "TempC", Begin: 1, Count: 1, Dims: Dimensions{1}}
	if got := scalar.FormatValueName(0); got != "TempC" || !scalar.IsScalar() {
		t.Errorf("scalar name = %q", got)
	}
}

func TestPiece_StringValues(t *testing.T) {
	p := &Piece{Type: TypeASCII, Name: "Msg", Begin: 1, Count: 48, Dims: Dimensions{3, 16}}
	if p.ValueCount() != 3 || p.ValueSize() != 16 || p.ByteSize() != 48 {
		t.Errorf("count=%d size=%d bytes=%d", p.ValueCount(), p.ValueSize(), p.ByteSize())
	}
	if got := p.FormatValueName(2); got != "Msg(3)" {
		t.Errorf("FormatValueName(2) = %q", got)
	}
}

func TestTable_FindPiece(t *testing.T) {
	hourly := parsedSample(t)[1]
	tests := []struct {
		column string
		piece  uint16
		err    error
	}{
		{"TempC", 1, nil},
		{"Grid", 2, nil},
		{"Grid(2,3)", 2, nil},
		{"Grid(3,1)", 0, ErrNoSuchColumn},
		{"Missing", 0, ErrNoSuchColumn},
		{"Grid(0)", 0, ErrBadColumnName},
		{"Grid(1", 0, ErrBadColumnName},
	}
	for _, tt := range tests {
		p, _, err := hourly.FindPiece(tt.column)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Errorf("FindPiece(%q) err = %v, want %v", tt.column, err, tt.err)
			}
			continue
		}
		if err != nil || p.Number != tt.piece {
			t.Errorf("FindPiece(%q) = %v, %v", tt.column, p, err)
		}
	}
}

// ============================================================
// Table Definition Tests
// ============================================================

func TestParseTDF(t *testing.T) {
	tables := parsedSample(t)
	if len(tables) != 2 {
		t.Fatalf("got %d tables", len(tables))
	}
	status, hourly := tables[0], tables[1]
	if status.Number != 1 || hourly.Number != 2 {
		t.Errorf("table numbers %d, %d", status.Number, hourly.Number)
	}
	if !status.Pieces[0].ReadOnly || status.Pieces[0].Type != TypeASCII {
		t.Errorf("read-only flag not split from type: %+v", status.Pieces[0])
	}
	if hourly.Interval != time.Hour || hourly.Size != 100 || !hourly.FixedInterval() {
		t.Errorf("hourly header: %+v", hourly)
	}
	if got := hourly.Pieces[1]; got.Number != 2 || !reflect.DeepEqual(got.Dims, Dimensions{2, 3}) || got.Process != "Smp" {
		t.Errorf("grid piece: %+v", got)
	}
	if hourly.RecordSize() != 2+6*4+2 {
		t.Errorf("RecordSize() = %d", hourly.RecordSize())
	}
}

func TestParseTDF_SignatureDeterministic(t *testing.T) {
	data := MarshalTDF(sampleTables())
	a, err := ParseTDF(data)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseTDF(data)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if a[i].Signature != b[i].Signature {
			t.Errorf("table %s signature changed: 0x%04X vs 0x%04X", a[i].Name, a[i].Signature, b[i].Signature)
		}
	}

	changed := sampleTables()
	changed[1].Pieces[0].Name = "TempF"
	c, err := ParseTDF(MarshalTDF(changed))
	if err != nil {
		t.Fatal(err)
	}
	if c[1].Signature == a[1].Signature {
		t.Error("signature did not change with the definition")
	}
	if c[0].Signature != a[0].Signature {
		t.Error("unrelated table signature changed")
	}
}

func TestParseTDF_Errors(t *testing.T) {
	data := MarshalTDF(sampleTables())

	bad := append([]byte{}, data...)
	bad[0] = 2
	if _, err := ParseTDF(bad); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
	if _, err := ParseTDF(data[:len(data)-5]); !errors.Is(err, ErrShortMessage) {
		t.Errorf("expected ErrShortMessage for truncated file, got %v", err)
	}
	if _, err := ParseTDF(nil); err == nil {
		t.Error("expected error for empty file")
	}
}

// ============================================================
// Data Type Tests
// ============================================================

func TestDecodeFP2(t *testing.T) {
	tests := []struct {
		raw  uint16
		want float64
	}{
		{0x0000, 0},
		{0x0001, 1},
		{0x4000 | 1234, 12.34},
		{0x8000 | 0x2000 | 55, -5.5},
		{0x6000 | 8000, 8.0},
	}
	for _, tt := range tests {
		if got := DecodeFP2(tt.raw); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("DecodeFP2(0x%04X) = %v, want %v", tt.raw, got, tt.want)
		}
	}
	if !math.IsInf(DecodeFP2(0x1FFF), 1) || !math.IsInf(DecodeFP2(0x9FFF), -1) || !math.IsNaN(DecodeFP2(0x9FFE)) {
		t.Error("special values not decoded")
	}
}

func TestEncodeFP2_RoundTrip(t *testing.T) {
	for _, v := range []float64{0, 1.5, -2.25, 12.34, 819.1, -7000} {
		if got := DecodeFP2(EncodeFP2(v)); math.Abs(got-v) > 1e-9 {
			t.Errorf("FP2 round trip %v -> %v", v, got)
		}
	}
}

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		typ  DataType
		raw  []byte
		want any
	}{
		{TypeUInt2, []byte{0x01, 0x02}, uint64(0x0102)},
		{TypeUInt2Lsf, []byte{0x01, 0x02}, uint64(0x0201)},
		{TypeInt2, []byte{0xFF, 0xFE}, int64(-2)},
		{TypeInt4Lsf, []byte{0xFE, 0xFF, 0xFF, 0xFF}, int64(-2)},
		{TypeIEEE4, []byte{0x3F, 0xC0, 0x00, 0x00}, float64(1.5)},
		{TypeIEEE4Lsf, []byte{0x00, 0x00, 0xC0, 0x3F}, float64(1.5)},
		{TypeBool, []byte{0xFF}, true},
		{TypeBool4, []byte{0, 0, 0, 0}, false},
		{TypeASCII, []byte("abc\x00\x00"), "abc"},
	}
	for _, tt := range tests {
		got, err := DecodeValue(tt.typ, tt.raw)
		if err != nil {
			t.Errorf("%s: %v", tt.typ, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %v (%T), want %v (%T)", tt.typ, got, got, tt.want, tt.want)
		}
	}
	if _, err := DecodeValue(DataType(99), []byte{0}); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestTimeEncoding(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 120_000_000, time.UTC)
	for _, typ := range []DataType{TypeNSec, TypeNSecLsf, TypeUSec} {
		b, err := EncodeTime(typ, ts)
		if err != nil {
			t.Fatal(err)
		}
		got, err := DecodeTime(typ, b)
		if err != nil || !got.Equal(ts) {
			t.Errorf("%s: got %v, %v", typ, got, err)
		}
	}
	b, _ := EncodeTime(TypeSec, ts)
	if got, _ := DecodeTime(TypeSec, b); !got.Equal(ts.Truncate(time.Second)) {
		t.Errorf("Sec: got %v", got)
	}
	if n := NSecFromDuration(-1500 * time.Millisecond); n.Sec != -2 || n.Nsec != 500_000_000 || n.Duration() != -1500*time.Millisecond {
		t.Errorf("negative interval: %+v", n)
	}
}

func TestEncodeValue(t *testing.T) {
	b, err := EncodeValue(TypeIEEE4, "1.5", 4)
	if err != nil || !bytes.Equal(b, []byte{0x3F, 0xC0, 0, 0}) {
		t.Errorf("IEEE4: % X, %v", b, err)
	}
	b, err = EncodeValue(TypeASCII, "hi", 4)
	if err != nil || !bytes.Equal(b, []byte{'h', 'i', 0, 0}) {
		t.Errorf("ASCII: % X, %v", b, err)
	}
	if _, err := EncodeValue(TypeUInt1, "300", 1); err == nil {
		t.Error("expected range error")
	}
	b, _ = EncodeValue(TypeBool, "true", 1)
	if b[0] != 0xFF {
		t.Errorf("Bool: % X", b)
	}
}

func TestResponseType(t *testing.T) {
	pairs := map[uint8]uint8{
		MsgCollectData:  MsgCollectDataResp,
		MsgTerminal:     MsgTerminalResp,
		MsgAccessLevel:  MsgAccessLevelResp,
		MsgClock:        MsgClockResp,
		MsgProgStats:    MsgProgStatsResp,
		MsgSetValues:    MsgSetValuesResp,
		MsgFileDownload: MsgFileDownloadResp,
		MsgFileUpload:   MsgFileUploadResp,
		MsgFileControl:  MsgFileControlResp,
	}
	for cmd, resp := range pairs {
		if got := ResponseType(cmd); got != resp {
			t.Errorf("ResponseType(0x%02X) = 0x%02X, want 0x%02X", cmd, got, resp)
		}
	}
}

// ============================================================
// Record and Collect Tests
// ============================================================

func TestRecordDesc_Layout(t *testing.T) {
	hourly := parsedSample(t)[1]
	all := NewRecordDesc(hourly, nil)
	if !all.AllPieces || all.FieldNumbers() != nil || len(all.Values) != 8 || all.ValueSize() != 28 {
		t.Errorf("all pieces: all=%v values=%d size=%d", all.AllPieces, len(all.Values), all.ValueSize())
	}
	if all.Values[1].Name != "Grid(1,1)" || all.Values[1].Offset != 2 {
		t.Errorf("second value: %+v", all.Values[1])
	}

	sub := NewRecordDesc(hourly, []*Piece{hourly.Pieces[2], hourly.Pieces[0], hourly.Pieces[2]})
	if sub.AllPieces || !reflect.DeepEqual(sub.FieldNumbers(), []uint16{1, 3}) || sub.ValueSize() != 4 {
		t.Errorf("subset: fields=%v size=%d", sub.FieldNumbers(), sub.ValueSize())
	}
}

func TestCollectCommand_RoundTrip(t *testing.T) {
	cmd := &CollectCommand{SecurityCode: 1234, Mode: CollectRange, Table: 2, Signature: 0xBEEF, P1: 10, P2: 20, Fields: []uint16{1, 3}}
	got, err := ParseCollectCommand(cmd.Marshal())
	if err != nil || !reflect.DeepEqual(got, cmd) {
		t.Errorf("got %+v, %v", got, err)
	}
	tr := &CollectCommand{Mode: CollectTimeRange, Table: 1, Begin: NSec{Sec: 5}, End: NSec{Sec: 9}}
	got, err = ParseCollectCommand(tr.Marshal())
	if err != nil || got.Begin != tr.Begin || got.End != tr.End || got.Fields != nil {
		t.Errorf("time range: %+v, %v", got, err)
	}
}

func encodeRecords(t *testing.T, desc *RecordDesc, first time.Time, begin uint32, count int, stampAll bool) []byte {
	t.Helper()
	var out []byte
	for i := 0; i < count; i++ {
		if i == 0 || stampAll {
			ts, err := EncodeTime(desc.Table.TimeType, first.Add(time.Duration(i)*desc.Table.Interval))
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, ts...)
		}
		vals := make([]byte, desc.ValueSize())
		vals[len(vals)-1] = byte(begin) + byte(i)
		out = append(out, vals...)
	}
	return out
}

func TestDecodeRecords_FixedInterval(t *testing.T) {
	hourly := parsedSample(t)[1]
	desc := NewRecordDesc(hourly, nil)
	pool := NewRecordPool(desc, 4)
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	resp := &CollectResponse{Fragment: &Fragment{Table: 2, Begin: 7, Count: 3, Data: encodeRecords(t, desc, first, 7, 3, false)}}
	parsed, err := ParseCollectResponse(resp.Marshal(CollectRange), CollectRange)
	if err != nil {
		t.Fatal(err)
	}
	records, err := DecodeRecords(desc, parsed.Fragment, pool)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records", len(records))
	}
	for i, r := range records {
		if r.Number != uint32(7+i) || !r.Time.Equal(first.Add(time.Duration(i)*time.Hour)) {
			t.Errorf("record %d: #%d %v", i, r.Number, r.Time)
		}
		if v, _ := r.Value(7); v != uint64(7+i) {
			t.Errorf("record %d count = %v", i, v)
		}
	}

	parsed.Fragment.Data = parsed.Fragment.Data[1:]
	if _, err := DecodeRecords(desc, parsed.Fragment, pool); !errors.Is(err, ErrBadFragment) {
		t.Errorf("expected ErrBadFragment, got %v", err)
	}
}

func TestParseCollectResponse_Partial(t *testing.T) {
	resp := &CollectResponse{Fragment: &Fragment{Table: 1, Begin: 9, Partial: true, Offset: 40, Data: []byte{1, 2, 3}}, More: true}
	got, err := ParseCollectResponse(resp.Marshal(CollectPartial), CollectPartial)
	if err != nil {
		t.Fatal(err)
	}
	f := got.Fragment
	if !f.Partial || f.Begin != 9 || f.Offset != 40 || !bytes.Equal(f.Data, []byte{1, 2, 3}) || !got.More {
		t.Errorf("partial fragment: %+v more=%v", f, got.More)
	}

	denied, err := ParseCollectResponse([]byte{CollectPermission}, CollectMostRecent)
	if err != nil || denied.Code != CollectPermission || denied.Fragment != nil {
		t.Errorf("denied: %+v, %v", denied, err)
	}
}

func TestRecordPool_Reuse(t *testing.T) {
	desc := NewRecordDesc(parsedSample(t)[1], nil)
	pool := NewRecordPool(desc, 1)
	a := pool.Get()
	a.Number = 5
	pool.Put(a, pool.Get())
	if b := pool.Get(); b != a || b.Number != 0 {
		t.Error("pool did not recycle the record")
	}
}

// ============================================================
// Message Tests
// ============================================================

func TestProgStats_RoundTrip(t *testing.T) {
	resp := &ProgStatsResponse{Stats: ProgStats{
		OSVersion:    "CR1000X.Std.06",
		SerialNumber: "12345",
		ProgramName:  "CPU:weather.cr1x",
		CompileState: CompileRunning,
		CompileTime:  NSec{Sec: 1000},
		StationName:  "North",
	}}
	got, err := ParseProgStatsResponse(resp.Marshal())
	if err != nil || !reflect.DeepEqual(got, resp) {
		t.Errorf("got %+v, %v", got, err)
	}

	// Older operating systems stop after the compile result
	body := resp.Marshal()
	short := body[:len(body)-len("North")-2]
	got, err = ParseProgStatsResponse(short)
	if err != nil || got.Stats.StationName != "" || got.Stats.CompileResult != "" {
		t.Errorf("short: %+v, %v", got, err)
	}
}

func TestFileMessages(t *testing.T) {
	up := &FileUploadCommand{SecurityCode: 1, FileName: ".TDF", Offset: 512, Swath: 900}
	if got, err := ParseFileUploadCommand(up.Marshal()); err != nil || *got != *up {
		t.Errorf("upload command: %+v, %v", got, err)
	}
	down := &FileDownloadCommand{FileName: "CPU:a.cr1", Close: true, Offset: 3, Data: []byte("xyz")}
	if got, err := ParseFileDownloadCommand(down.Marshal()); err != nil || !reflect.DeepEqual(got, down) {
		t.Errorf("download command: %+v, %v", got, err)
	}
	fc := &FileControlResponse{Code: 0, HoldOff: 5 * time.Second}
	if got, err := ParseFileControlResponse(fc.Marshal()); err != nil || *got != *fc {
		t.Errorf("file control response: %+v, %v", got, err)
	}
}

// ============================================================
// Directory Tests
// ============================================================

func TestParseDir(t *testing.T) {
	entries := []DirEntry{
		{Name: "CPU:weather.cr1x", Size: 2048, LastUpdate: "2024-03-01 10:00:00", Attributes: []byte{AttrRunning, AttrRunPowerUp}},
		{Name: "CRD:Hourly_01.dat", Size: 99, LastUpdate: "2024-03-02 11:30:00"},
	}
	got, err := ParseDir(MarshalDir(entries))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, entries) {
		t.Errorf("got %+v", got)
	}
	if !got[0].Has(AttrRunning) || got[1].Has(AttrRunning) {
		t.Error("attribute lookup")
	}
	if !got[1].Match("CRD:hourly*.dat") || got[1].Match("CPU:*.dat") || !got[1].Match("*.DAT") {
		t.Error("pattern matching")
	}
	if got[1].Modified().Before(got[0].Modified()) {
		t.Error("modified times out of order")
	}
}
