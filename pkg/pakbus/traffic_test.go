// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pakbus

import (
	"strings"
	"testing"
	"time"
)

func TestTraffic_Counts(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTraffic(start)

	bad := MustEncodePacket(testPacket())
	bad[3] ^= 0x01

	d := NewDecoder()
	d.Write(MustEncodePacket(NewControlPacket(LinkRing, 1, 4094)))
	d.Write(MustEncodePacket(testPacket()))
	d.Write(bad)
	for {
		p, err := d.Next()
		if p == nil && err == nil {
			break
		}
		tr.Update(start, p, err)
	}

	if tr.TotalFrames != 3 || tr.ValidFrames != 2 {
		t.Errorf("total=%d valid=%d, want 3 and 2", tr.TotalFrames, tr.ValidFrames)
	}
	if tr.ControlPackets != 1 || tr.BMP5Messages != 1 || tr.PakCtrlMessages != 0 {
		t.Errorf("control=%d bmp5=%d pakctrl=%d", tr.ControlPackets, tr.BMP5Messages, tr.PakCtrlMessages)
	}
	if tr.SignatureErrors != 1 || tr.Errors() != 1 {
		t.Errorf("signature errors = %d, errors = %d, want 1", tr.SignatureErrors, tr.Errors())
	}

	tr.CalculateRates(start.Add(2 * time.Second))
	if tr.FrameRate != 1.5 || tr.ErrorRate != 0.5 {
		t.Errorf("rates = %.2f, %.2f, want 1.5 and 0.5", tr.FrameRate, tr.ErrorRate)
	}

	summary := tr.Summary(start.Add(2 * time.Second))
	if !strings.Contains(summary, "Signature Errors:") || strings.Contains(summary, "Decode Errors:") {
		t.Errorf("unexpected summary:\n%s", summary)
	}

	tr.Reset(start.Add(time.Minute))
	if tr.TotalFrames != 0 || !tr.StartTime.Equal(start.Add(time.Minute)) {
		t.Errorf("reset did not clear counters: %+v", tr)
	}
}

func TestTraffic_OversizeFrame(t *testing.T) {
	tr := NewTraffic(time.Now())
	tr.Update(time.Now(), nil, ErrFrameTooLong)
	tr.Update(time.Now(), nil, ErrShortPacket)
	if tr.OversizeFrames != 1 || tr.DecodeErrors != 1 {
		t.Errorf("oversize=%d decode=%d, want 1 and 1", tr.OversizeFrames, tr.DecodeErrors)
	}
}
