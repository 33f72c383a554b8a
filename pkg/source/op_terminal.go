// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"go.uber.org/zap"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
	"github.com/Thermoquad/pakstat/pkg/bytequeue"
	"github.com/Thermoquad/pakstat/pkg/loop"
	"github.com/Thermoquad/pakstat/pkg/pakbus"
)

// TerminalSink receives terminal output
type TerminalSink interface {
	OnTerminalData(data []byte)
	OnTerminalClosed(o Outcome)
}

// Terminal is an open terminal session
type Terminal struct {
	s  *Source
	op *opTerminal
}

// Send queues keystrokes for the datalogger
func (t *Terminal) Send(data []byte) {
	buf := append([]byte(nil), data...)
	t.s.loop.Post(func() { t.op.queue(buf) })
}

// Close ends the session once any command in flight is answered
func (t *Terminal) Close() {
	t.s.loop.Post(t.op.close)
}

// opTerminal keeps a terminal session open. Each command carries queued
// keystrokes and returns whatever output is ready. After output the next
// command goes out at once; otherwise the datalogger is polled.
type opTerminal struct {
	opBase
	sink    TerminalSink
	termID  byte
	out     *bytequeue.Queue
	poll    *loop.Timer
	running bool
	busy    bool
	closing bool
}

func newTerminal(s *Source, sink TerminalSink) *opTerminal {
	op := &opTerminal{sink: sink, out: bytequeue.New(256)}
	op.init(s, op, "terminal")
	op.poll = s.loop.NewTimer(op.sendNext)
	return op
}

func (op *opTerminal) describe() string { return "terminal" }

func (op *opTerminal) start() {
	if op.done {
		return
	}
	op.s.terminalIDs++
	op.termID = op.s.terminalIDs
	op.running = true
	op.sendNext()
}

func (op *opTerminal) queue(data []byte) {
	if op.done {
		return
	}
	op.out.Push(data)
	if op.running && !op.busy {
		op.poll.Stop()
		op.sendNext()
	}
}

func (op *opTerminal) close() {
	if op.done {
		return
	}
	if op.busy {
		op.closing = true
		return
	}
	op.complete(OutcomeSuccess)
}

func (op *opTerminal) sendNext() {
	if op.done || op.busy {
		return
	}
	n := min(op.out.Len(), int(op.swath(0)))
	data := make([]byte, n)
	op.out.Pop(data, n)
	cmd := &bmp5.TerminalCommand{
		SecurityCode: op.s.cfg.SecurityCode,
		TermID:       op.termID,
		Data:         data,
	}
	op.busy = true
	if err := op.issue(bmp5.MsgTerminal, cmd.Marshal()); err != nil {
		op.complete(OutcomeLinkFailed)
	}
}

func (op *opTerminal) onMessage(t *tran, m *pakbus.Message) {
	if m.Type != bmp5.MsgTerminalResp {
		return
	}
	op.busy = false
	resp, err := bmp5.ParseTerminalResponse(m.Body)
	if err != nil {
		op.log.Warn("bad terminal response", zap.Error(err))
		op.complete(OutcomeUnknown)
		return
	}
	if resp.Code != bmp5.RespComplete {
		op.complete(outcomeFromCode(resp.Code))
		return
	}
	op.retries = 0
	if len(resp.Data) > 0 {
		op.sink.OnTerminalData(append([]byte(nil), resp.Data...))
	}
	if op.closing {
		op.complete(OutcomeSuccess)
		return
	}
	// Give the link up between exchanges
	op.closeTran()
	if len(resp.Data) > 0 || !op.out.Empty() {
		op.sendNext()
		return
	}
	op.poll.Reset(terminalPollInterval)
}

func (op *opTerminal) onFailure(t *tran, f pakbus.Failure) {
	op.busy = false
	if op.retry() {
		op.busy = true
		return
	}
	op.complete(outcomeFromFailure(f))
}

func (op *opTerminal) abort(o Outcome) { op.complete(o) }

func (op *opTerminal) complete(o Outcome) {
	if op.done {
		return
	}
	op.poll.Stop()
	op.finish()
	op.sink.OnTerminalClosed(o)
}
