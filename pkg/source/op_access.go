// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"github.com/Thermoquad/pakstat/pkg/bmp5"
	"github.com/Thermoquad/pakstat/pkg/pakbus"
)

// AccessResult reports the access level granted to the security code
type AccessResult struct {
	Outcome Outcome
	Level   byte
}

type opAccessLevel struct {
	opBase
	report func(AccessResult)
}

func newAccessLevel(s *Source, done func(AccessResult)) *opAccessLevel {
	op := &opAccessLevel{report: done}
	op.init(s, op, "access-level")
	return op
}

func (op *opAccessLevel) describe() string { return "check access level" }

func (op *opAccessLevel) start() {
	cmd := &bmp5.SecurityCommand{SecurityCode: op.s.cfg.SecurityCode}
	if err := op.issue(bmp5.MsgAccessLevel, cmd.Marshal()); err != nil {
		op.complete(AccessResult{Outcome: OutcomeLinkFailed})
	}
}

func (op *opAccessLevel) onMessage(t *tran, m *pakbus.Message) {
	if m.Type != bmp5.MsgAccessLevelResp {
		return
	}
	resp, err := bmp5.ParseAccessLevelResponse(m.Body)
	if err != nil {
		op.complete(AccessResult{Outcome: OutcomeUnknown})
		return
	}
	op.complete(AccessResult{Outcome: outcomeFromCode(resp.Code), Level: resp.Level})
}

func (op *opAccessLevel) onFailure(t *tran, f pakbus.Failure) {
	op.complete(AccessResult{Outcome: outcomeFromFailure(f)})
}

func (op *opAccessLevel) abort(o Outcome) { op.complete(AccessResult{Outcome: o}) }

func (op *opAccessLevel) complete(r AccessResult) {
	if op.done {
		return
	}
	op.finish()
	op.report(r)
}
