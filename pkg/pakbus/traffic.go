// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pakbus

import (
	"errors"
	"fmt"
	"time"
)

// Traffic tracks frames seen on a link and their error rates
type Traffic struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames     uint64
	ValidFrames     uint64
	SignatureErrors uint64
	OversizeFrames  uint64
	DecodeErrors    uint64
	ControlPackets  uint64
	BMP5Messages    uint64
	PakCtrlMessages uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewTraffic creates a traffic counter starting at now
func NewTraffic(now time.Time) *Traffic {
	return &Traffic{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update counts one result of Decoder.Next
func (t *Traffic) Update(now time.Time, p *Packet, decodeErr error) {
	t.TotalFrames++
	t.LastUpdateTime = now

	if decodeErr != nil {
		switch {
		case errors.Is(decodeErr, ErrBadSignature):
			t.SignatureErrors++
		case errors.Is(decodeErr, ErrFrameTooLong):
			t.OversizeFrames++
		default:
			t.DecodeErrors++
		}
		return
	}

	t.ValidFrames++
	switch {
	case p.Control:
		t.ControlPackets++
	case p.Proto == ProtoBMP5:
		t.BMP5Messages++
	case p.Proto == ProtoPakCtrl:
		t.PakCtrlMessages++
	}
}

// Errors returns the number of frames that failed to decode
func (t *Traffic) Errors() uint64 {
	return t.SignatureErrors + t.OversizeFrames + t.DecodeErrors
}

// CalculateRates calculates frame and error rates up to now
func (t *Traffic) CalculateRates(now time.Time) {
	elapsed := now.Sub(t.StartTime).Seconds()
	if elapsed > 0 {
		t.FrameRate = float64(t.TotalFrames) / elapsed
		t.ErrorRate = float64(t.Errors()) / elapsed
	}
}

// Summary returns a formatted statistics summary
func (t *Traffic) Summary(now time.Time) string {
	t.CalculateRates(now)

	percent := func(n uint64) float64 {
		if t.TotalFrames == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(t.TotalFrames)
	}

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", now.Sub(t.StartTime).Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", t.TotalFrames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", t.ValidFrames, percent(t.ValidFrames))
	if t.ValidFrames > 0 {
		result += fmt.Sprintf("  Link Control:     %5d\n", t.ControlPackets)
		result += fmt.Sprintf("  BMP5:             %5d\n", t.BMP5Messages)
		result += fmt.Sprintf("  PakCtrl:          %5d\n", t.PakCtrlMessages)
	}
	if t.SignatureErrors > 0 {
		result += fmt.Sprintf("Signature Errors:%8d (%.1f%%)\n", t.SignatureErrors, percent(t.SignatureErrors))
	}
	if t.OversizeFrames > 0 {
		result += fmt.Sprintf("Oversize Frames: %8d (%.1f%%)\n", t.OversizeFrames, percent(t.OversizeFrames))
	}
	if t.DecodeErrors > 0 {
		result += fmt.Sprintf("Decode Errors:   %8d (%.1f%%)\n", t.DecodeErrors, percent(t.DecodeErrors))
	}
	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", t.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", t.ErrorRate)
	result += "================================\n"

	return result
}

// Reset clears all counters and restarts the rate window at now
func (t *Traffic) Reset(now time.Time) {
	*t = Traffic{StartTime: now, LastUpdateTime: now}
}
