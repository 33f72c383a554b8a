// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pakbus

import (
	"errors"
	"fmt"

	"github.com/Thermoquad/pakstat/pkg/bytequeue"
)

// Decoder errors
var (
	ErrBadSignature = errors.New("pakbus: signature mismatch")
	ErrFrameTooLong = errors.New("pakbus: frame exceeds max packet size")
)

// Decoder splits a byte stream into PakBus packets.
//
// Bytes are buffered until a complete frame (sync, body, sync) is present.
// Bytes before the first sync byte are discarded. Consecutive sync bytes
// are treated as idle fill.
type Decoder struct {
	queue   *bytequeue.Queue
	synced  bool
	skipped int // bytes discarded while hunting for sync
}

// NewDecoder creates a new packet decoder
func NewDecoder() *Decoder {
	return &Decoder{queue: bytequeue.New(MaxPacketSize * 2)}
}

// Reset discards any partially received frame
func (d *Decoder) Reset() {
	d.queue.Clear()
	d.synced = false
}

// Skipped returns the number of bytes discarded while hunting for sync
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Write buffers received bytes. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.queue.Push(p)
	return len(p), nil
}

// Next returns the next complete packet, or nil when more bytes are needed.
// A frame that fails validation is consumed and reported as an error; the
// caller may keep calling Next.
func (d *Decoder) Next() (*Packet, error) {
	for {
		if !d.synced {
			i := d.queue.Find(SyncByte, 0)
			if i < 0 {
				d.skipped += d.queue.Len()
				d.queue.Clear()
				return nil, nil
			}
			d.skipped += i
			d.queue.Pop(nil, i)
			d.synced = true
		}

		// Drop idle sync bytes; the last one opens the frame
		for d.queue.Len() > 1 && d.queue.At(1) == SyncByte {
			d.queue.Pop(nil, 1)
		}

		end := d.queue.Find(SyncByte, 1)
		if end < 0 {
			if d.queue.Len() > MaxPacketSize*2+2 {
				d.queue.Clear()
				d.synced = false
				return nil, ErrFrameTooLong
			}
			return nil, nil
		}

		frame := make([]byte, end-1)
		d.queue.Peek(frame, 1)
		// Keep the closing sync byte, it may open the next frame
		d.queue.Pop(nil, end)

		if len(frame) == 0 {
			continue
		}
		return decodeFrame(frame)
	}
}

// decodeFrame unquotes a frame body, checks its signature, and parses it
func decodeFrame(frame []byte) (*Packet, error) {
	raw, err := UnquoteBytes(frame)
	if err != nil {
		return nil, err
	}
	if len(raw) < ControlHeaderSize+NullifierLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(raw))
	}
	if sig := CalcSignature(raw); sig != 0 {
		return nil, fmt.Errorf("%w: 0x%04X", ErrBadSignature, sig)
	}
	return ParsePacket(raw[:len(raw)-NullifierLen])
}
