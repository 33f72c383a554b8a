// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bmp5

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ErrUnsupportedType is returned for a data type code this package cannot decode
var ErrUnsupportedType = errors.New("bmp5: unsupported data type")

// DataType is a field or time stamp encoding code
type DataType uint8

// Data type codes
const (
	TypeUInt1    DataType = 1
	TypeUInt2    DataType = 2
	TypeUInt4    DataType = 3
	TypeInt1     DataType = 4
	TypeInt2     DataType = 5
	TypeInt4     DataType = 6
	TypeFP2      DataType = 7
	TypeIEEE4    DataType = 9
	TypeBool     DataType = 10
	TypeASCII    DataType = 11
	TypeSec      DataType = 12
	TypeUSec     DataType = 13
	TypeNSec     DataType = 14
	TypeFP3      DataType = 15
	TypeASCIIZ   DataType = 16
	TypeBool8    DataType = 17
	TypeIEEE8    DataType = 18
	TypeInt2Lsf  DataType = 19
	TypeInt4Lsf  DataType = 20
	TypeUInt2Lsf DataType = 21
	TypeUInt4Lsf DataType = 22
	TypeNSecLsf  DataType = 23
	TypeIEEE4Lsf DataType = 24
	TypeIEEE8Lsf DataType = 25
	TypeBool2    DataType = 27
	TypeBool4    DataType = 28
	TypeInt8     DataType = 32
)

// readOnlyFlag marks a read-only field in the TDF type byte
const readOnlyFlag = 0x80

var typeInfo = map[DataType]struct {
	name string
	size int
}{
	TypeUInt1:    {"UInt1", 1},
	TypeUInt2:    {"UInt2", 2},
	TypeUInt4:    {"UInt4", 4},
	TypeInt1:     {"Int1", 1},
	TypeInt2:     {"Int2", 2},
	TypeInt4:     {"Int4", 4},
	TypeFP2:      {"FP2", 2},
	TypeIEEE4:    {"IEEE4", 4},
	TypeBool:     {"Bool", 1},
	TypeASCII:    {"ASCII", 1},
	TypeSec:      {"Sec", 4},
	TypeUSec:     {"USec", 6},
	TypeNSec:     {"NSec", 8},
	TypeFP3:      {"FP3", 3},
	TypeASCIIZ:   {"ASCIIZ", 1},
	TypeBool8:    {"Bool8", 1},
	TypeIEEE8:    {"IEEE8", 8},
	TypeInt2Lsf:  {"Int2Lsf", 2},
	TypeInt4Lsf:  {"Int4Lsf", 4},
	TypeUInt2Lsf: {"UInt2Lsf", 2},
	TypeUInt4Lsf: {"UInt4Lsf", 4},
	TypeNSecLsf:  {"NSecLsf", 8},
	TypeIEEE4Lsf: {"IEEE4Lsf", 4},
	TypeIEEE8Lsf: {"IEEE8Lsf", 8},
	TypeBool2:    {"Bool2", 2},
	TypeBool4:    {"Bool4", 4},
	TypeInt8:     {"Int8", 8},
}

// Known reports whether the type code is supported
func (t DataType) Known() bool {
	_, ok := typeInfo[t]
	return ok
}

// Size returns the encoded size of one element. Strings report one byte per
// character; their length comes from the field's last dimension.
func (t DataType) Size() int {
	return typeInfo[t].size
}

// IsString reports whether the type holds characters
func (t DataType) IsString() bool {
	return t == TypeASCII || t == TypeASCIIZ
}

// IsTime reports whether the type is a time stamp
func (t DataType) IsTime() bool {
	switch t {
	case TypeSec, TypeUSec, TypeNSec, TypeNSecLsf:
		return true
	}
	return false
}

func (t DataType) String() string {
	if info, ok := typeInfo[t]; ok {
		return info.name
	}
	return fmt.Sprintf("Type%d", uint8(t))
}

// DecodeTime decodes a record time stamp of type t
func DecodeTime(t DataType, b []byte) (time.Time, error) {
	if len(b) < t.Size() {
		return time.Time{}, ErrShortMessage
	}
	switch t {
	case TypeSec:
		return Epoch.Add(time.Duration(int32(binary.BigEndian.Uint32(b))) * time.Second), nil
	case TypeUSec:
		// 48-bit count of 10 microsecond ticks
		var ticks uint64
		for _, v := range b[:6] {
			ticks = ticks<<8 | uint64(v)
		}
		return Epoch.Add(time.Duration(ticks) * 10 * time.Microsecond), nil
	case TypeNSec:
		return NSec{
			Sec:  int32(binary.BigEndian.Uint32(b)),
			Nsec: int32(binary.BigEndian.Uint32(b[4:])),
		}.Time(), nil
	case TypeNSecLsf:
		return NSec{
			Sec:  int32(binary.LittleEndian.Uint32(b)),
			Nsec: int32(binary.LittleEndian.Uint32(b[4:])),
		}.Time(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %s is not a time type", ErrUnsupportedType, t)
}

// EncodeTime encodes ts as a record time stamp of type t
func EncodeTime(t DataType, ts time.Time) ([]byte, error) {
	n := NSecFromTime(ts)
	switch t {
	case TypeSec:
		return binary.BigEndian.AppendUint32(nil, uint32(n.Sec)), nil
	case TypeUSec:
		ticks := uint64(ts.Sub(Epoch) / (10 * time.Microsecond))
		b := make([]byte, 6)
		for i := 5; i >= 0; i-- {
			b[i] = byte(ticks)
			ticks >>= 8
		}
		return b, nil
	case TypeNSec:
		return NewWriter(8).NSec(n).Bytes(), nil
	case TypeNSecLsf:
		b := binary.LittleEndian.AppendUint32(nil, uint32(n.Sec))
		return binary.LittleEndian.AppendUint32(b, uint32(n.Nsec)), nil
	}
	return nil, fmt.Errorf("%w: %s is not a time type", ErrUnsupportedType, t)
}

// DecodeFP2 decodes the two byte Campbell floating point format:
// sign bit, two bit negative decimal exponent, 13 bit mantissa.
func DecodeFP2(v uint16) float64 {
	switch v {
	case 0x1FFF:
		return math.Inf(1)
	case 0x9FFF:
		return math.Inf(-1)
	case 0x9FFE:
		return math.NaN()
	}
	mantissa := float64(v & 0x1FFF)
	exp := (v >> 13) & 0x3
	value := mantissa / math.Pow10(int(exp))
	if v&0x8000 != 0 {
		value = -value
	}
	return value
}

// EncodeFP2 encodes f with the largest precision that fits the mantissa
func EncodeFP2(f float64) uint16 {
	switch {
	case math.IsNaN(f):
		return 0x9FFE
	case math.IsInf(f, 1) || f > 8191:
		return 0x1FFF
	case math.IsInf(f, -1) || f < -8191:
		return 0x9FFF
	}
	var sign uint16
	if f < 0 {
		sign = 0x8000
		f = -f
	}
	exp := 0
	for exp < 3 && math.Round(f*math.Pow10(exp+1)) <= 8191 {
		exp++
	}
	mantissa := uint16(math.Round(f * math.Pow10(exp)))
	return sign | uint16(exp)<<13 | mantissa
}

// DecodeFP3 decodes the three byte Campbell floating point format:
// sign bit, three bit negative decimal exponent, 20 bit mantissa.
func DecodeFP3(b []byte) float64 {
	v := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	mantissa := float64(v & 0xFFFFF)
	exp := (v >> 20) & 0x7
	value := mantissa / math.Pow10(int(exp))
	if v&0x800000 != 0 {
		value = -value
	}
	return value
}

// DecodeValue decodes one element of type t. String types consume all of b.
// Numbers decode to int64, uint64, or float64; booleans to bool; strings to
// string; time stamps to time.Time.
func DecodeValue(t DataType, b []byte) (any, error) {
	if t.IsString() {
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
		return string(b), nil
	}
	if !t.Known() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, uint8(t))
	}
	if len(b) < t.Size() {
		return nil, ErrShortMessage
	}
	be, le := binary.BigEndian, binary.LittleEndian
	switch t {
	case TypeUInt1:
		return uint64(b[0]), nil
	case TypeUInt2:
		return uint64(be.Uint16(b)), nil
	case TypeUInt4:
		return uint64(be.Uint32(b)), nil
	case TypeUInt2Lsf:
		return uint64(le.Uint16(b)), nil
	case TypeUInt4Lsf:
		return uint64(le.Uint32(b)), nil
	case TypeInt1:
		return int64(int8(b[0])), nil
	case TypeInt2:
		return int64(int16(be.Uint16(b))), nil
	case TypeInt4:
		return int64(int32(be.Uint32(b))), nil
	case TypeInt8:
		return int64(be.Uint64(b)), nil
	case TypeInt2Lsf:
		return int64(int16(le.Uint16(b))), nil
	case TypeInt4Lsf:
		return int64(int32(le.Uint32(b))), nil
	case TypeFP2:
		return DecodeFP2(be.Uint16(b)), nil
	case TypeFP3:
		return DecodeFP3(b), nil
	case TypeIEEE4:
		return float64(math.Float32frombits(be.Uint32(b))), nil
	case TypeIEEE8:
		return math.Float64frombits(be.Uint64(b)), nil
	case TypeIEEE4Lsf:
		return float64(math.Float32frombits(le.Uint32(b))), nil
	case TypeIEEE8Lsf:
		return math.Float64frombits(le.Uint64(b)), nil
	case TypeBool, TypeBool8:
		return b[0] != 0, nil
	case TypeBool2:
		return be.Uint16(b) != 0, nil
	case TypeBool4:
		return be.Uint32(b) != 0, nil
	}
	return DecodeTime(t, b)
}

// EncodeValue converts the text form of a value to the wire encoding of t.
// size is the element size in bytes (the string length for string types).
func EncodeValue(t DataType, text string, size int) ([]byte, error) {
	if t.IsString() {
		b := make([]byte, size)
		copy(b, text)
		return b, nil
	}
	be, le := binary.BigEndian, binary.LittleEndian
	b := make([]byte, t.Size())
	switch t {
	case TypeBool, TypeBool8, TypeBool2, TypeBool4:
		v, err := strconv.ParseBool(text)
		if err != nil {
			n, nerr := strconv.ParseFloat(text, 64)
			if nerr != nil {
				return nil, fmt.Errorf("invalid boolean %q: %w", text, err)
			}
			v = n != 0
		}
		if v {
			for i := range b {
				b[i] = 0xFF
			}
		}
		return b, nil
	case TypeUInt1, TypeUInt2, TypeUInt4, TypeUInt2Lsf, TypeUInt4Lsf:
		v, err := strconv.ParseUint(text, 0, t.Size()*8)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", t, text, err)
		}
		switch t {
		case TypeUInt1:
			b[0] = byte(v)
		case TypeUInt2:
			be.PutUint16(b, uint16(v))
		case TypeUInt4:
			be.PutUint32(b, uint32(v))
		case TypeUInt2Lsf:
			le.PutUint16(b, uint16(v))
		case TypeUInt4Lsf:
			le.PutUint32(b, uint32(v))
		}
		return b, nil
	case TypeInt1, TypeInt2, TypeInt4, TypeInt8, TypeInt2Lsf, TypeInt4Lsf:
		v, err := strconv.ParseInt(text, 0, t.Size()*8)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", t, text, err)
		}
		switch t {
		case TypeInt1:
			b[0] = byte(v)
		case TypeInt2:
			be.PutUint16(b, uint16(v))
		case TypeInt4:
			be.PutUint32(b, uint32(v))
		case TypeInt8:
			be.PutUint64(b, uint64(v))
		case TypeInt2Lsf:
			le.PutUint16(b, uint16(v))
		case TypeInt4Lsf:
			le.PutUint32(b, uint32(v))
		}
		return b, nil
	case TypeFP2, TypeIEEE4, TypeIEEE8, TypeIEEE4Lsf, TypeIEEE8Lsf:
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", t, text, err)
		}
		switch t {
		case TypeFP2:
			be.PutUint16(b, EncodeFP2(v))
		case TypeIEEE4:
			be.PutUint32(b, math.Float32bits(float32(v)))
		case TypeIEEE8:
			be.PutUint64(b, math.Float64bits(v))
		case TypeIEEE4Lsf:
			le.PutUint32(b, math.Float32bits(float32(v)))
		case TypeIEEE8Lsf:
			le.PutUint64(b, math.Float64bits(v))
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: cannot set %s values", ErrUnsupportedType, t)
}
