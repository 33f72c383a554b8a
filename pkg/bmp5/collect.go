// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bmp5

import (
	"errors"
	"fmt"
	"time"
)

// ErrBadFragment is returned when fragment data does not match the record layout
var ErrBadFragment = errors.New("bmp5: fragment does not match record layout")

// CollectMode selects which records a collect command asks for
type CollectMode byte

// Collect modes
const (
	CollectMostRecent CollectMode = 5 // P1 = number of newest records
	CollectRange      CollectMode = 6 // records [P1, P2)
	CollectTimeRange  CollectMode = 7 // records stamped in [Begin, End)
	CollectPartial    CollectMode = 8 // record P1 from byte offset P2
)

func (m CollectMode) String() string {
	switch m {
	case CollectMostRecent:
		return "most-recent"
	case CollectRange:
		return "range"
	case CollectTimeRange:
		return "time-range"
	case CollectPartial:
		return "partial"
	}
	return fmt.Sprintf("mode%d", byte(m))
}

// partialFlag marks a fragment that holds part of one record
const partialFlag = 0x8000

// CollectCommand asks for records from one table
type CollectCommand struct {
	SecurityCode uint16
	Mode         CollectMode
	Table        uint16
	Signature    uint16
	P1, P2       uint32
	Begin, End   NSec
	// Fields lists the selected field numbers, empty for all fields
	Fields []uint16
}

// Marshal encodes the command body
func (c *CollectCommand) Marshal() []byte {
	w := NewWriter(32 + 2*len(c.Fields))
	w.Uint16(c.SecurityCode).Byte(byte(c.Mode))
	w.Uint16(c.Table).Uint16(c.Signature)
	if c.Mode == CollectTimeRange {
		w.NSec(c.Begin).NSec(c.End)
	} else {
		w.Uint32(c.P1).Uint32(c.P2)
	}
	for _, f := range c.Fields {
		w.Uint16(f)
	}
	w.Uint16(0)
	return w.Bytes()
}

// ParseCollectCommand decodes a command body
func ParseCollectCommand(body []byte) (*CollectCommand, error) {
	r := NewReader(body)
	c := &CollectCommand{
		SecurityCode: r.Uint16(),
		Mode:         CollectMode(r.Byte()),
		Table:        r.Uint16(),
		Signature:    r.Uint16(),
	}
	if c.Mode == CollectTimeRange {
		c.Begin, c.End = r.NSec(), r.NSec()
	} else {
		c.P1, c.P2 = r.Uint32(), r.Uint32()
	}
	for {
		f := r.Uint16()
		if f == 0 || r.Err() != nil {
			break
		}
		c.Fields = append(c.Fields, f)
	}
	return c, r.Err()
}

// Fragment is the record data a collect response carries for one table
type Fragment struct {
	Table uint16
	Begin uint32
	Count uint16
	// Partial marks a fragment holding part of the single record Begin
	Partial bool
	// Offset is the byte offset echoed by a partial continuation
	Offset uint16
	Data   []byte
}

// CollectResponse is a decoded collect data response
type CollectResponse struct {
	Code     byte
	Fragment *Fragment
	More     bool
}

// Marshal encodes the response. mode is the mode of the command answered.
func (c *CollectResponse) Marshal(mode CollectMode) []byte {
	w := NewWriter(16)
	w.Byte(c.Code)
	if f := c.Fragment; f != nil {
		count := f.Count
		if f.Partial {
			count |= partialFlag
		}
		w.Uint16(f.Table).Uint32(f.Begin).Uint16(count)
		if mode == CollectPartial {
			w.Uint16(f.Offset)
		}
		w.Write(f.Data)
	}
	more := byte(0)
	if c.More {
		more = 1
	}
	return w.Byte(more).Bytes()
}

// ParseCollectResponse decodes the response to a command sent with mode.
// Responses to partial continuations carry an extra offset field.
func ParseCollectResponse(body []byte, mode CollectMode) (*CollectResponse, error) {
	r := NewReader(body)
	resp := &CollectResponse{Code: r.Byte()}
	if r.Err() != nil {
		return nil, r.Err()
	}
	if resp.Code != CollectOK || r.Remaining() <= 1 {
		if r.Remaining() == 1 {
			resp.More = r.Byte() != 0
		}
		return resp, nil
	}

	f := &Fragment{Table: r.Uint16(), Begin: r.Uint32()}
	count := r.Uint16()
	f.Partial = count&partialFlag != 0
	f.Count = count &^ partialFlag
	if mode == CollectPartial {
		f.Offset = r.Uint16()
	}
	if r.Err() != nil {
		return nil, r.Err()
	}
	if r.Remaining() < 1 {
		return nil, fmt.Errorf("%w: missing more-records flag", ErrShortMessage)
	}
	f.Data = r.Bytes(r.Remaining() - 1)
	resp.More = r.Byte() != 0
	resp.Fragment = f
	return resp, nil
}

// FullRecordSize returns the encoded size of one record with its time stamp
func FullRecordSize(desc *RecordDesc) int {
	return desc.TimeSize() + desc.ValueSize()
}

// DecodeRecords decodes the complete records of a fragment. When the table
// has a fixed interval only the first record carries a time stamp and the
// rest are derived from it; otherwise every record is stamped.
func DecodeRecords(desc *RecordDesc, f *Fragment, pool *RecordPool) ([]*Record, error) {
	if f.Partial {
		return nil, fmt.Errorf("%w: partial fragment", ErrBadFragment)
	}
	table := desc.Table
	timeSize, valueSize := desc.TimeSize(), desc.ValueSize()
	want := int(f.Count) * (timeSize + valueSize)
	if table.FixedInterval() && f.Count > 0 {
		want = timeSize + int(f.Count)*valueSize
	}
	if len(f.Data) != want {
		return nil, fmt.Errorf("%w: %d records need %d bytes, got %d", ErrBadFragment, f.Count, want, len(f.Data))
	}

	records := make([]*Record, 0, f.Count)
	pos := 0
	var stamp time.Time
	for i := 0; i < int(f.Count); i++ {
		if i == 0 || !table.FixedInterval() {
			ts, err := DecodeTime(table.TimeType, f.Data[pos:pos+timeSize])
			if err != nil {
				pool.Put(records...)
				return nil, err
			}
			stamp = ts
			pos += timeSize
		} else {
			stamp = stamp.Add(table.Interval)
		}
		rec := pool.Get()
		rec.Number = f.Begin + uint32(i)
		rec.Time = stamp
		copy(rec.Data, f.Data[pos:pos+valueSize])
		pos += valueSize
		records = append(records, rec)
	}
	return records, nil
}

// DecodeRecord decodes one whole record (time stamp then values) from data
func DecodeRecord(desc *RecordDesc, number uint32, data []byte, pool *RecordPool) (*Record, error) {
	if len(data) != FullRecordSize(desc) {
		return nil, fmt.Errorf("%w: record needs %d bytes, got %d", ErrBadFragment, FullRecordSize(desc), len(data))
	}
	ts, err := DecodeTime(desc.Table.TimeType, data[:desc.TimeSize()])
	if err != nil {
		return nil, err
	}
	rec := pool.Get()
	rec.Number = number
	rec.Time = ts
	copy(rec.Data, data[desc.TimeSize():])
	return rec, nil
}
