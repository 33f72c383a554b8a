// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"errors"

	"go.uber.org/zap"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
	"github.com/Thermoquad/pakstat/pkg/pakbus"
)

// operation is one unit of work against the datalogger. It owns at most one
// transaction and sends one command each time it is granted the link.
type operation interface {
	// start begins the operation once the source is connected
	start()
	onFocusStart(t *tran)
	onMessage(t *tran, m *pakbus.Message)
	onFailure(t *tran, f pakbus.Failure)
	// abort ends the operation because the source lost its connection or
	// stopped. The operation reports the outcome to its sink.
	abort(o Outcome)
	describe() string
}

// opBase carries the transaction handling shared by every operation
type opBase struct {
	s    *Source
	log  *zap.Logger
	self operation

	tran    *tran
	msgType uint8
	body    []byte
	retries int
	done    bool
}

func (b *opBase) init(s *Source, self operation, name string) {
	b.s = s
	b.self = self
	b.log = s.log.With(zap.String("op", name))
}

// issue queues a command to be sent when the operation is granted the link.
// An existing transaction is reassigned so each command takes its turn.
func (b *opBase) issue(msgType uint8, body []byte) error {
	b.msgType, b.body = msgType, body
	if b.tran == nil {
		t, err := b.s.openTran(b.self)
		if err != nil {
			return err
		}
		b.tran = t
	} else if err := b.tran.reassign(); err != nil {
		return err
	}
	b.tran.requestFocus()
	return nil
}

// retry sends the last command again on a fresh transaction number.
// It reports false once the retry budget is spent.
func (b *opBase) retry() bool {
	if b.retries >= b.s.cfg.MaxRetries {
		return false
	}
	b.retries++
	b.log.Debug("retrying command", zap.Int("attempt", b.retries))
	return b.issue(b.msgType, b.body) == nil
}

func (b *opBase) onFocusStart(t *tran) {
	err := t.send(b.msgType, b.body)
	if err == nil {
		return
	}
	b.log.Warn("send failed", zap.Error(err))
	if t.pt.Closed() {
		// The link went down with the write; the source aborts every operation
		return
	}
	f := pakbus.FailureLinkFailed
	if errors.Is(err, pakbus.ErrBodyTooLarge) {
		f = pakbus.FailurePacketTooBig
		// Resending the same command cannot fit either
		b.retries = b.s.cfg.MaxRetries
	}
	b.self.onFailure(t, f)
}

// finish closes the transaction and removes the operation from the source
func (b *opBase) finish() {
	if b.done {
		return
	}
	b.done = true
	b.closeTran()
	b.s.removeOp(b.self)
}

func (b *opBase) closeTran() {
	if b.tran != nil {
		b.tran.close()
		b.tran = nil
	}
}

// swath returns the file fragment size that fits one message
func (b *opBase) swath(extra int) uint16 {
	n := b.s.router.MaxBodyLen(b.s.cfg.Neighbor) - bmp5.SwathOverhead - extra
	if n < 1 {
		n = 1
	}
	return uint16(n)
}
