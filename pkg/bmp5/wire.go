// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bmp5

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortMessage is returned when a body ends before a field is complete
var ErrShortMessage = errors.New("bmp5: message too short")

// Writer builds a message body
type Writer struct {
	buf []byte
}

// NewWriter creates a writer with room for size bytes
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

// Bytes returns the body written so far
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) Byte(v byte) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) Uint16(v uint16) *Writer {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) Uint32(v uint32) *Writer {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) Int32(v int32) *Writer {
	return w.Uint32(uint32(v))
}

func (w *Writer) NSec(v NSec) *Writer {
	return w.Int32(v.Sec).Int32(v.Nsec)
}

// ASCIIZ writes s followed by a terminating zero byte
func (w *Writer) ASCIIZ(s string) *Writer {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
	return w
}

func (w *Writer) Write(p []byte) *Writer {
	w.buf = append(w.buf, p...)
	return w
}

// Reader walks a message body. The first short read is remembered and every
// later read returns a zero value, so callers check Err once at the end.
type Reader struct {
	data []byte
	pos  int
	err  error
}

// NewReader creates a reader over data
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Err returns the first error encountered
func (r *Reader) Err() error { return r.err }

// Pos returns the offset of the next unread byte
func (r *Reader) Pos() int { return r.pos }

// Remaining returns the number of unread bytes
func (r *Reader) Remaining() int { return len(r.data) - r.pos }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortMessage, n, r.pos, len(r.data)-r.pos)
		r.pos = len(r.data)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *Reader) Byte() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *Reader) Uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *Reader) Uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *Reader) Int32() int32 {
	return int32(r.Uint32())
}

func (r *Reader) NSec() NSec {
	return NSec{Sec: r.Int32(), Nsec: r.Int32()}
}

// ASCIIZ reads a zero-terminated string. A missing terminator is an error.
func (r *Reader) ASCIIZ() string {
	if r.err != nil {
		return ""
	}
	i := bytes.IndexByte(r.data[r.pos:], 0)
	if i < 0 {
		r.err = fmt.Errorf("%w: unterminated string at offset %d", ErrShortMessage, r.pos)
		r.pos = len(r.data)
		return ""
	}
	s := string(r.data[r.pos : r.pos+i])
	r.pos += i + 1
	return s
}

// Bytes returns the next n bytes without copying
func (r *Reader) Bytes(n int) []byte {
	return r.take(n)
}

// Rest returns every unread byte
func (r *Reader) Rest() []byte {
	return r.take(r.Remaining())
}
