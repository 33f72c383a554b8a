// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bytequeue

import (
	"bytes"
	"testing"
)

func TestPushPop_Wraps(t *testing.T) {
	q := New(4)
	q.Push([]byte{1, 2, 3})
	buf := make([]byte, 2)
	if n := q.Pop(buf, 2); n != 2 || !bytes.Equal(buf, []byte{1, 2}) {
		t.Fatalf("Pop = %d %v", n, buf)
	}

	// Tail wraps around the end of the 4-byte ring
	q.Push([]byte{4, 5, 6})
	if q.Cap() != 4 {
		t.Errorf("Cap() = %d, expected no growth", q.Cap())
	}
	if got := q.Bytes(); !bytes.Equal(got, []byte{3, 4, 5, 6}) {
		t.Errorf("Bytes() = %v", got)
	}
}

func TestPush_Grows(t *testing.T) {
	q := &Queue{}
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}
	q.Push(data[:100])
	q.Pop(nil, 50)
	q.Push(data[100:])

	if q.Len() != 250 {
		t.Fatalf("Len() = %d, want 250", q.Len())
	}
	if got := q.Bytes(); !bytes.Equal(got, data[50:]) {
		t.Error("contents corrupted across growth")
	}
}

func TestPeekAndAt(t *testing.T) {
	q := New(8)
	q.Push([]byte("abcdef"))
	q.Pop(nil, 4)
	q.Push([]byte("ghij"))

	dst := make([]byte, 3)
	if n := q.Peek(dst, 1); n != 3 || string(dst) != "fgh" {
		t.Errorf("Peek = %d %q", n, dst)
	}
	if q.At(0) != 'e' || q.At(5) != 'j' {
		t.Errorf("At() = %c %c", q.At(0), q.At(5))
	}
	if n := q.Peek(dst, 10); n != 0 {
		t.Errorf("Peek past end = %d", n)
	}
}

func TestFind(t *testing.T) {
	q := New(4)
	q.Push([]byte{0xAA, 0xBD, 0x01})
	q.Pop(nil, 1)
	q.Push([]byte{0x02, 0xBD})

	if i := q.Find(0xBD, 0); i != 0 {
		t.Errorf("Find(0) = %d, want 0", i)
	}
	if i := q.Find(0xBD, 1); i != 3 {
		t.Errorf("Find(1) = %d, want 3", i)
	}
	if i := q.Find(0x55, 0); i != -1 {
		t.Errorf("Find(missing) = %d, want -1", i)
	}
}

func TestClear(t *testing.T) {
	q := New(4)
	q.Push([]byte{1, 2, 3})
	q.Clear()
	if !q.Empty() {
		t.Error("expected empty queue after Clear")
	}
	q.PushByte(9)
	if got := q.Bytes(); !bytes.Equal(got, []byte{9}) {
		t.Errorf("Bytes() = %v", got)
	}
}
