// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"go.uber.org/zap"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
	"github.com/Thermoquad/pakstat/pkg/pakbus"
)

// tran is the transaction an operation owns. It forwards router events to the
// operation and never outlives it: closing the operation closes the tran.
type tran struct {
	s  *Source
	op operation
	pt *pakbus.Transaction

	// expect is the response type of the command in flight
	expect  uint8
	waiting bool
}

func (s *Source) openTran(op operation) (*tran, error) {
	t := &tran{s: s, op: op}
	pt, err := s.router.OpenTransaction(s.cfg.Neighbor, t)
	if err != nil {
		return nil, err
	}
	pt.SetTimeout(s.cfg.TranTimeout)
	t.pt = pt
	return t, nil
}

func (t *tran) OnFocusStart(pt *pakbus.Transaction) {
	t.op.onFocusStart(t)
}

func (t *tran) OnMessage(pt *pakbus.Transaction, m *pakbus.Message) {
	if !t.waiting {
		return
	}
	if m.Proto != pakbus.ProtoBMP5 || m.Type != t.expect {
		// Not the answer; the router stopped the timer, so keep waiting
		t.s.log.Debug("unexpected message",
			zap.String("op", t.op.describe()),
			zap.Uint8("type", m.Type),
			zap.Uint8("tran", pt.Number()))
		pt.ResetTimeout()
		return
	}
	t.waiting = false
	t.op.onMessage(t, m)
}

func (t *tran) OnFailure(pt *pakbus.Transaction, f pakbus.Failure) {
	t.waiting = false
	t.s.log.Debug("transaction failed",
		zap.String("op", t.op.describe()),
		zap.Uint8("tran", pt.Number()),
		zap.Stringer("failure", f))
	t.op.onFailure(t, f)
}

func (t *tran) send(msgType uint8, body []byte) error {
	if err := t.s.router.Send(t.pt, pakbus.ProtoBMP5, msgType, body); err != nil {
		return err
	}
	t.expect = bmp5.ResponseType(msgType)
	t.waiting = true
	return nil
}

// reassign takes a new transaction number and gives up the link so sibling
// operations get a turn before the next command
func (t *tran) reassign() error {
	return t.s.router.ReassignTransaction(t.pt)
}

func (t *tran) requestFocus() {
	t.s.router.RequestFocus(t.pt)
}

func (t *tran) close() {
	t.s.router.CloseTransaction(t.pt)
}

func (t *tran) number() uint8 {
	return t.pt.Number()
}
