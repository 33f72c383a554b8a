// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
	"github.com/Thermoquad/pakstat/pkg/pakbus"
)

// FileControlResult reports a file control command
type FileControlResult struct {
	Outcome Outcome
	// HoldOff is how long the datalogger asked to be left alone
	HoldOff time.Duration
}

// changesProgram reports whether a file command can replace the running
// program, and with it the table definitions
func changesProgram(cmd byte) bool {
	switch cmd {
	case bmp5.FileCmdCompileRun, bmp5.FileCmdCompileNoKeep, bmp5.FileCmdStop,
		bmp5.FileCmdStopDelete, bmp5.FileCmdCompileNoPowerUp,
		bmp5.FileCmdStopDeleteRun, bmp5.FileCmdStopDeleteRunAll:
		return true
	}
	return false
}

// opFileControl runs one file command
type opFileControl struct {
	opBase
	file    string
	command byte
	file2   string
	report  func(FileControlResult)
}

func newFileControl(s *Source, file string, command byte, file2 string, done func(FileControlResult)) *opFileControl {
	op := &opFileControl{file: file, command: command, file2: file2, report: done}
	op.init(s, op, "file-control")
	return op
}

func (op *opFileControl) describe() string { return "file control " + op.file }

func (op *opFileControl) start() {
	cmd := &bmp5.FileControlCommand{
		SecurityCode: op.s.cfg.SecurityCode,
		FileName:     op.file,
		Command:      op.command,
		FileName2:    op.file2,
	}
	if err := op.issue(bmp5.MsgFileControl, cmd.Marshal()); err != nil {
		op.complete(FileControlResult{Outcome: OutcomeLinkFailed})
	}
}

func (op *opFileControl) onMessage(t *tran, m *pakbus.Message) {
	if m.Type != bmp5.MsgFileControlResp {
		return
	}
	resp, err := bmp5.ParseFileControlResponse(m.Body)
	if err != nil {
		op.complete(FileControlResult{Outcome: OutcomeUnknown})
		return
	}
	r := FileControlResult{Outcome: outcomeFromFileCode(resp.Code), HoldOff: resp.HoldOff}
	if r.Outcome == OutcomeSuccess && changesProgram(op.command) {
		op.log.Info("program changed, refreshing tables", zap.Duration("hold_off", resp.HoldOff))
		op.s.loop.AfterFunc(resp.HoldOff, op.s.RefreshTables)
	}
	op.complete(r)
}

func (op *opFileControl) onFailure(t *tran, f pakbus.Failure) {
	op.complete(FileControlResult{Outcome: outcomeFromFailure(f)})
}

func (op *opFileControl) abort(o Outcome) { op.complete(FileControlResult{Outcome: o}) }

func (op *opFileControl) complete(r FileControlResult) {
	if op.done {
		return
	}
	op.finish()
	op.report(r)
}
