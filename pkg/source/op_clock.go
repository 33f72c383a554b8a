// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
	"github.com/Thermoquad/pakstat/pkg/pakbus"
)

// ClockResult reports a clock check or set
type ClockResult struct {
	Outcome Outcome
	// Time is the datalogger clock, including any adjustment made
	Time time.Time
	// Adjustment is the amount the clock was moved, zero for a check
	Adjustment time.Duration
}

// opClock reads the datalogger clock and, when a target time is given,
// moves it by the difference
type opClock struct {
	opBase
	target      time.Time
	requestedAt time.Time
	adjustment  time.Duration
	adjusting   bool
	report      func(ClockResult)
}

func newClock(s *Source, target time.Time, done func(ClockResult)) *opClock {
	op := &opClock{target: target, report: done}
	op.init(s, op, "clock")
	return op
}

func (op *opClock) describe() string {
	if op.target.IsZero() {
		return "check clock"
	}
	return "set clock"
}

func (op *opClock) start() {
	op.requestedAt = op.s.loop.Now()
	op.send(0)
}

func (op *opClock) send(adjust time.Duration) {
	cmd := &bmp5.ClockCommand{
		SecurityCode: op.s.cfg.SecurityCode,
		Adjust:       bmp5.NSecFromDuration(adjust),
	}
	if err := op.issue(bmp5.MsgClock, cmd.Marshal()); err != nil {
		op.complete(ClockResult{Outcome: OutcomeLinkFailed})
	}
}

func (op *opClock) onMessage(t *tran, m *pakbus.Message) {
	if m.Type != bmp5.MsgClockResp {
		return
	}
	resp, err := bmp5.ParseClockResponse(m.Body)
	if err != nil {
		op.complete(ClockResult{Outcome: OutcomeUnknown})
		return
	}
	if resp.Code != bmp5.RespComplete {
		op.complete(ClockResult{Outcome: outcomeFromCode(resp.Code)})
		return
	}
	device := resp.Time.Time()
	if op.target.IsZero() || op.adjusting {
		op.complete(ClockResult{
			Outcome:    OutcomeSuccess,
			Time:       device.Add(op.adjustment),
			Adjustment: op.adjustment,
		})
		return
	}

	// Account for the time spent reading the clock
	target := op.target.Add(op.s.loop.Now().Sub(op.requestedAt))
	op.adjustment = target.Sub(device)
	op.adjusting = true
	op.log.Info("adjusting clock",
		zap.Time("device", device),
		zap.Duration("adjustment", op.adjustment))
	op.send(op.adjustment)
}

func (op *opClock) onFailure(t *tran, f pakbus.Failure) {
	op.complete(ClockResult{Outcome: outcomeFromFailure(f)})
}

func (op *opClock) abort(o Outcome) { op.complete(ClockResult{Outcome: o}) }

func (op *opClock) complete(r ClockResult) {
	if op.done {
		return
	}
	op.finish()
	op.report(r)
}
