// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bmp5

import (
	"fmt"
	"sort"
	"time"
)

// ValueDesc locates one value inside a record's data buffer
type ValueDesc struct {
	Name   string
	Type   DataType
	Offset int
	Size   int
	Piece  *Piece
	Units  string
}

// RecordDesc is the flattened layout of the selected pieces of a table
type RecordDesc struct {
	Table  *Table
	Pieces []*Piece
	Values []ValueDesc
	// AllPieces is true when every piece of the table is selected
	AllPieces bool
	size      int
}

// NewRecordDesc builds the layout for the given pieces of t in field number
// order. A nil or empty selection selects every piece.
func NewRecordDesc(t *Table, pieces []*Piece) *RecordDesc {
	selected := make(map[uint16]*Piece)
	for _, p := range pieces {
		selected[p.Number] = p
	}
	if len(selected) == 0 {
		for _, p := range t.Pieces {
			selected[p.Number] = p
		}
	}

	d := &RecordDesc{Table: t, AllPieces: len(selected) == len(t.Pieces)}
	for _, p := range selected {
		d.Pieces = append(d.Pieces, p)
	}
	sort.Slice(d.Pieces, func(i, j int) bool { return d.Pieces[i].Number < d.Pieces[j].Number })

	for _, p := range d.Pieces {
		size := p.ValueSize()
		for n := 0; n < p.ValueCount(); n++ {
			d.Values = append(d.Values, ValueDesc{
				Name:   p.FormatValueName(n),
				Type:   p.Type,
				Offset: d.size,
				Size:   size,
				Piece:  p,
				Units:  p.Units,
			})
			d.size += size
		}
	}
	return d
}

// ValueSize returns the size of a record's value buffer
func (d *RecordDesc) ValueSize() int {
	return d.size
}

// TimeSize returns the size of a record time stamp
func (d *RecordDesc) TimeSize() int {
	return d.Table.TimeSize()
}

// FieldNumbers returns the field list for a collect command, nil for all fields
func (d *RecordDesc) FieldNumbers() []uint16 {
	if d.AllPieces {
		return nil
	}
	nums := make([]uint16, len(d.Pieces))
	for i, p := range d.Pieces {
		nums[i] = p.Number
	}
	return nums
}

// Record is one time-stamped row of a table
type Record struct {
	Desc   *RecordDesc
	Number uint32
	Time   time.Time
	Data   []byte
}

// Value decodes the ith value of the record
func (r *Record) Value(i int) (any, error) {
	if i < 0 || i >= len(r.Desc.Values) {
		return nil, fmt.Errorf("value %d out of range", i)
	}
	v := r.Desc.Values[i]
	return DecodeValue(v.Type, r.Data[v.Offset:v.Offset+v.Size])
}

// Values decodes every value of the record
func (r *Record) Values() ([]any, error) {
	out := make([]any, len(r.Desc.Values))
	for i := range out {
		v, err := r.Value(i)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.Desc.Values[i].Name, err)
		}
		out[i] = v
	}
	return out, nil
}

// Clone returns a copy that does not share the data buffer
func (r *Record) Clone() *Record {
	c := *r
	c.Data = append([]byte(nil), r.Data...)
	return &c
}

// RecordPool recycles records of one layout
type RecordPool struct {
	desc *RecordDesc
	free []*Record
	max  int
}

// NewRecordPool creates a pool that keeps at most max idle records
func NewRecordPool(desc *RecordDesc, max int) *RecordPool {
	return &RecordPool{desc: desc, max: max}
}

// Desc returns the layout of the pooled records
func (p *RecordPool) Desc() *RecordDesc {
	return p.desc
}

// Get returns a cleared record
func (p *RecordPool) Get() *Record {
	if n := len(p.free); n > 0 {
		r := p.free[n-1]
		p.free = p.free[:n-1]
		return r
	}
	return &Record{Desc: p.desc, Data: make([]byte, p.desc.ValueSize())}
}

// Put returns records to the pool
func (p *RecordPool) Put(records ...*Record) {
	for _, r := range records {
		if r == nil || r.Desc != p.desc || len(p.free) >= p.max {
			continue
		}
		r.Number = 0
		r.Time = time.Time{}
		p.free = append(p.free, r)
	}
}
