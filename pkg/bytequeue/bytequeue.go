// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bytequeue provides a growable circular byte buffer.
//
// The queue is used to collect framing fragments as they arrive from a
// transport and to accumulate partial records across several responses.
// It is not safe for concurrent use.
package bytequeue

const defaultCapacity = 64

// Queue is a growable ring of bytes. The zero value is an empty queue.
type Queue struct {
	buf  []byte
	head int // index of the first stored byte
	size int // number of stored bytes
}

// New creates a queue with room for capacity bytes before it grows
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue{buf: make([]byte, capacity)}
}

// Len returns the number of stored bytes
func (q *Queue) Len() int {
	return q.size
}

// Empty reports whether no bytes are stored
func (q *Queue) Empty() bool {
	return q.size == 0
}

// Cap returns the current capacity
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Clear discards every stored byte without releasing storage
func (q *Queue) Clear() {
	q.head = 0
	q.size = 0
}

// grow makes room for at least n more bytes
func (q *Queue) grow(n int) {
	if q.size+n <= len(q.buf) {
		return
	}
	newCap := len(q.buf) * 2
	if newCap < defaultCapacity {
		newCap = defaultCapacity
	}
	for newCap < q.size+n {
		newCap *= 2
	}
	nb := make([]byte, newCap)
	q.copyOut(nb, 0, q.size)
	q.buf = nb
	q.head = 0
}

// copyOut copies n bytes starting at logical offset off into dst
func (q *Queue) copyOut(dst []byte, off, n int) {
	if n == 0 {
		return
	}
	start := (q.head + off) % len(q.buf)
	first := copy(dst[:n], q.buf[start:])
	if first < n {
		copy(dst[first:n], q.buf[:n-first])
	}
}

// Push appends bytes to the tail of the queue
func (q *Queue) Push(data []byte) {
	if len(data) == 0 {
		return
	}
	q.grow(len(data))
	tail := (q.head + q.size) % len(q.buf)
	n := copy(q.buf[tail:], data)
	if n < len(data) {
		copy(q.buf, data[n:])
	}
	q.size += len(data)
}

// PushByte appends a single byte
func (q *Queue) PushByte(b byte) {
	q.grow(1)
	q.buf[(q.head+q.size)%len(q.buf)] = b
	q.size++
}

// Peek copies up to len(dst) bytes starting at offset without removing them.
// It returns the number of bytes copied.
func (q *Queue) Peek(dst []byte, offset int) int {
	if offset >= q.size || offset < 0 {
		return 0
	}
	n := len(dst)
	if n > q.size-offset {
		n = q.size - offset
	}
	q.copyOut(dst, offset, n)
	return n
}

// At returns the byte at the given logical offset
func (q *Queue) At(offset int) byte {
	if offset < 0 || offset >= q.size {
		panic("bytequeue: offset out of range")
	}
	return q.buf[(q.head+offset)%len(q.buf)]
}

// Pop removes up to len(dst) bytes from the head into dst.
// dst may be nil to discard bytes. It returns the number of bytes removed.
func (q *Queue) Pop(dst []byte, n int) int {
	if n > q.size {
		n = q.size
	}
	if dst != nil {
		if n > len(dst) {
			n = len(dst)
		}
		q.copyOut(dst, 0, n)
	}
	q.head = (q.head + n) % max(len(q.buf), 1)
	q.size -= n
	if q.size == 0 {
		q.head = 0
	}
	return n
}

// Bytes returns a copy of every stored byte in order
func (q *Queue) Bytes() []byte {
	out := make([]byte, q.size)
	q.copyOut(out, 0, q.size)
	return out
}

// Find returns the offset of the first occurrence of b at or after start,
// or -1 if it is not present.
func (q *Queue) Find(b byte, start int) int {
	for i := max(start, 0); i < q.size; i++ {
		if q.buf[(q.head+i)%len(q.buf)] == b {
			return i
		}
	}
	return -1
}
