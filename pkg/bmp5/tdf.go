// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bmp5

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Thermoquad/pakstat/pkg/pakbus"
)

// TDF errors
var (
	ErrUnsupportedVersion = errors.New("bmp5: unsupported table definition version")
	ErrNoSuchColumn       = errors.New("bmp5: no such column")
	ErrBadColumnName      = errors.New("bmp5: malformed column name")
)

// TDFVersion is the only table definition file format understood
const TDFVersion = 1

// Dimensions lists the extents of an array field, outermost first
type Dimensions []uint32

// Size returns the number of elements addressed by the dimensions
func (d Dimensions) Size() uint32 {
	size := uint32(1)
	for _, n := range d {
		size *= n
	}
	return size
}

// ToIndex converts a zero-based linear offset to a one-based index.
// The last dimension varies fastest.
func (d Dimensions) ToIndex(offset uint32) []uint32 {
	index := make([]uint32, len(d))
	for i := len(d) - 1; i >= 0; i-- {
		n := d[i]
		if n == 0 {
			n = 1
		}
		index[i] = offset%n + 1
		offset /= n
	}
	return index
}

// ToOffset converts a one-based index back to a zero-based linear offset
func (d Dimensions) ToOffset(index []uint32) uint32 {
	var offset uint32
	for i, n := range d {
		offset *= n
		if i < len(index) && index[i] > 0 {
			offset += index[i] - 1
		}
	}
	return offset
}

// Piece describes one field of a table as reported by the datalogger.
// An array field may be split into several pieces; pieces never overlap.
type Piece struct {
	// Number is the 1-based field number used to select the piece
	Number      uint16
	ReadOnly    bool
	Type        DataType
	Name        string
	Process     string
	Units       string
	Description string
	// Begin is the 1-based linear offset of the first element
	Begin uint32
	// Count is the number of elements in the piece (characters for strings)
	Count uint32
	Dims  Dimensions
}

// arrayDims returns the dimensions that index values. A string field's last
// dimension is its length, and a lone dimension of one marks a scalar.
func (p *Piece) arrayDims() Dimensions {
	dims := p.Dims
	if p.Type.IsString() && len(dims) > 0 {
		dims = dims[:len(dims)-1]
	}
	if len(dims) == 1 && dims[0] == 1 {
		return nil
	}
	return dims
}

// StringLen returns the length of each string element
func (p *Piece) StringLen() uint32 {
	if !p.Type.IsString() {
		return 0
	}
	if len(p.Dims) == 0 {
		return p.Count
	}
	return p.Dims[len(p.Dims)-1]
}

// IsScalar reports whether the piece holds a single value
func (p *Piece) IsScalar() bool {
	return len(p.arrayDims()) == 0
}

// ValueSize returns the encoded size of one value
func (p *Piece) ValueSize() int {
	if p.Type.IsString() {
		return int(p.StringLen())
	}
	return p.Type.Size()
}

// ValueCount returns the number of values in the piece
func (p *Piece) ValueCount() int {
	if p.Type.IsString() {
		n := p.StringLen()
		if n == 0 {
			return 0
		}
		return int(p.Count / n)
	}
	return int(p.Count)
}

// ByteSize returns the encoded size of the whole piece
func (p *Piece) ByteSize() int {
	return p.ValueCount() * p.ValueSize()
}

// valueOffset returns the zero-based array offset of the piece's nth value
func (p *Piece) valueOffset(n int) uint32 {
	if p.Type.IsString() {
		return (p.Begin-1)/max(p.StringLen(), 1) + uint32(n)
	}
	return p.Begin - 1 + uint32(n)
}

// FormatValueName returns the display name of the piece's nth value,
// for example "Temp" or "Temp(2,3)".
func (p *Piece) FormatValueName(n int) string {
	dims := p.arrayDims()
	if len(dims) == 0 {
		return p.Name
	}
	index := dims.ToIndex(p.valueOffset(n))
	parts := make([]string, len(index))
	for i, v := range index {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return p.Name + "(" + strings.Join(parts, ",") + ")"
}

// Covers reports whether the value at the given one-based index lies in the piece
func (p *Piece) Covers(index []uint32) bool {
	dims := p.arrayDims()
	if len(index) == 0 {
		return true
	}
	if len(index) != len(dims) {
		return false
	}
	for i, v := range index {
		if v < 1 || v > dims[i] {
			return false
		}
	}
	off := dims.ToOffset(index)
	first := p.valueOffset(0)
	return off >= first && off < first+uint32(p.ValueCount())
}

// Table describes one datalogger table
type Table struct {
	// Number is the 1-based position of the table in the definition file
	Number uint16
	Name   string
	// Size is the number of records the table can hold
	Size       uint32
	TimeType   DataType
	TimeOffset NSec
	// Interval is the fixed record interval, zero when every record carries its own time
	Interval  time.Duration
	Signature uint16
	Pieces    []*Piece
}

// FixedInterval reports whether records are sampled on a fixed interval
func (t *Table) FixedInterval() bool {
	return t.Interval != 0
}

// TimeSize returns the encoded size of a record time stamp
func (t *Table) TimeSize() int {
	return t.TimeType.Size()
}

// RecordSize returns the encoded size of a record's values
func (t *Table) RecordSize() int {
	size := 0
	for _, p := range t.Pieces {
		size += p.ByteSize()
	}
	return size
}

// Piece returns the piece with the given 1-based number
func (t *Table) Piece(number uint16) *Piece {
	if number == 0 || int(number) > len(t.Pieces) {
		return nil
	}
	return t.Pieces[number-1]
}

// FindPiece resolves a column name such as "Batt" or "Temp(2,1)" to the
// piece that holds it. The returned index is empty for a whole-field name.
func (t *Table) FindPiece(column string) (*Piece, []uint32, error) {
	name, index, err := ParseColumnName(column)
	if err != nil {
		return nil, nil, err
	}
	for _, p := range t.Pieces {
		if p.Name == name && p.Covers(index) {
			return p, index, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s.%s", ErrNoSuchColumn, t.Name, column)
}

// ParseColumnName splits "Name(i,j)" into its name and one-based index
func ParseColumnName(column string) (string, []uint32, error) {
	open := strings.IndexByte(column, '(')
	if open < 0 {
		if column == "" {
			return "", nil, ErrBadColumnName
		}
		return column, nil, nil
	}
	if !strings.HasSuffix(column, ")") || open == 0 {
		return "", nil, fmt.Errorf("%w: %q", ErrBadColumnName, column)
	}
	var index []uint32
	for _, part := range strings.Split(column[open+1:len(column)-1], ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil || v == 0 {
			return "", nil, fmt.Errorf("%w: %q", ErrBadColumnName, column)
		}
		index = append(index, uint32(v))
	}
	return column[:open], index, nil
}

// ParseTDF parses a table definition file into its tables.
// Tables are numbered from 1 in file order.
func ParseTDF(data []byte) ([]*Table, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrShortMessage)
	}
	if data[0] != TDFVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[0])
	}

	r := NewReader(data)
	r.Byte()
	var tables []*Table
	for r.Remaining() > 0 {
		start := r.Pos()
		t := &Table{Number: uint16(len(tables) + 1)}
		t.Name = r.ASCIIZ()
		t.Size = r.Uint32()
		t.TimeType = DataType(r.Byte())
		t.TimeOffset = r.NSec()
		t.Interval = r.NSec().Duration()
		for {
			typ := r.Byte()
			if r.Err() != nil {
				return nil, fmt.Errorf("table %q: %w", t.Name, r.Err())
			}
			if typ == 0 {
				break
			}
			p := &Piece{
				Number:   uint16(len(t.Pieces) + 1),
				ReadOnly: typ&readOnlyFlag != 0,
				Type:     DataType(typ &^ readOnlyFlag),
			}
			p.Name = r.ASCIIZ()
			r.Byte() // reserved
			p.Process = r.ASCIIZ()
			p.Units = r.ASCIIZ()
			p.Description = r.ASCIIZ()
			p.Begin = r.Uint32()
			p.Count = r.Uint32()
			for {
				d := r.Uint32()
				if d == 0 || r.Err() != nil {
					break
				}
				p.Dims = append(p.Dims, d)
			}
			t.Pieces = append(t.Pieces, p)
		}
		if r.Err() != nil {
			return nil, fmt.Errorf("table %q: %w", t.Name, r.Err())
		}
		if !t.TimeType.IsTime() {
			return nil, fmt.Errorf("table %q: %w: time type %d", t.Name, ErrUnsupportedType, t.TimeType)
		}
		t.Signature = pakbus.CalcSignature(data[start:r.Pos()])
		tables = append(tables, t)
	}
	return tables, nil
}

// MarshalTDF encodes tables as a table definition file
func MarshalTDF(tables []*Table) []byte {
	w := NewWriter(512)
	w.Byte(TDFVersion)
	for _, t := range tables {
		w.ASCIIZ(t.Name).Uint32(t.Size).Byte(byte(t.TimeType))
		w.NSec(t.TimeOffset).NSec(NSecFromDuration(t.Interval))
		for _, p := range t.Pieces {
			typ := byte(p.Type)
			if p.ReadOnly {
				typ |= readOnlyFlag
			}
			w.Byte(typ).ASCIIZ(p.Name).Byte(0)
			w.ASCIIZ(p.Process).ASCIIZ(p.Units).ASCIIZ(p.Description)
			w.Uint32(p.Begin).Uint32(p.Count)
			for _, d := range p.Dims {
				w.Uint32(d)
			}
			w.Uint32(0)
		}
		w.Byte(0)
	}
	return w.Bytes()
}
