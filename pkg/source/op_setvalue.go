// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"go.uber.org/zap"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
	"github.com/Thermoquad/pakstat/pkg/pakbus"
)

// opSetValue writes one value into a table field
type opSetValue struct {
	opBase
	table  string
	column string
	value  string
	report func(Outcome)
}

func newSetValue(s *Source, table, column, value string, done func(Outcome)) *opSetValue {
	op := &opSetValue{table: table, column: column, value: value, report: done}
	op.init(s, op, "set-value")
	return op
}

func (op *opSetValue) describe() string { return "set " + op.table + "." + op.column }

func (op *opSetValue) start() {
	t := op.s.table(op.table)
	if t == nil {
		op.complete(OutcomeInvalidTable)
		return
	}
	p, _, err := t.FindPiece(op.column)
	if err != nil {
		op.complete(OutcomeInvalidColumn)
		return
	}
	if p.ReadOnly {
		op.complete(OutcomeReadOnly)
		return
	}
	data, err := bmp5.EncodeValue(p.Type, op.value, p.ValueSize())
	if err != nil {
		op.log.Debug("cannot encode value", zap.String("value", op.value), zap.Error(err))
		op.complete(OutcomeInvalidValue)
		return
	}
	cmd := &bmp5.SetValuesCommand{
		SecurityCode: op.s.cfg.SecurityCode,
		Table:        op.table,
		Type:         p.Type,
		Field:        op.column,
		Swath:        1,
		Data:         data,
	}
	if err := op.issue(bmp5.MsgSetValues, cmd.Marshal()); err != nil {
		op.complete(OutcomeLinkFailed)
	}
}

func (op *opSetValue) onMessage(t *tran, m *pakbus.Message) {
	if m.Type != bmp5.MsgSetValuesResp {
		return
	}
	resp, err := bmp5.ParseCodeResponse(m.Body)
	if err != nil {
		op.complete(OutcomeUnknown)
		return
	}
	op.complete(outcomeFromSetValueCode(resp.Code))
}

func (op *opSetValue) onFailure(t *tran, f pakbus.Failure) {
	op.complete(outcomeFromFailure(f))
}

func (op *opSetValue) abort(o Outcome) { op.complete(o) }

func (op *opSetValue) complete(o Outcome) {
	if op.done {
		return
	}
	op.log.Info("set value finished",
		zap.String("table", op.table),
		zap.String("column", op.column),
		zap.Stringer("outcome", o))
	op.finish()
	op.report(o)
}
