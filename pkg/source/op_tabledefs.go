// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
	"github.com/Thermoquad/pakstat/pkg/pakbus"
)

// opGetTableDefs reads the programming statistics and then the table
// definition file. The result goes to Source.onTableDefs.
type opGetTableDefs struct {
	opBase
	stats *bmp5.ProgStats
	tdf   []byte
	recv  fileReceiver
}

func newGetTableDefs(s *Source) *opGetTableDefs {
	op := &opGetTableDefs{}
	op.init(s, op, "table-defs")
	return op
}

func (op *opGetTableDefs) describe() string { return "get table definitions" }

func (op *opGetTableDefs) start() {
	cmd := &bmp5.SecurityCommand{SecurityCode: op.s.cfg.SecurityCode}
	if err := op.issue(bmp5.MsgProgStats, cmd.Marshal()); err != nil {
		op.complete(nil, err)
	}
}

func (op *opGetTableDefs) onMessage(t *tran, m *pakbus.Message) {
	switch m.Type {
	case bmp5.MsgProgStatsResp:
		if op.stats != nil {
			return
		}
		resp, err := bmp5.ParseProgStatsResponse(m.Body)
		if err != nil {
			op.complete(nil, fmt.Errorf("program statistics: %w", err))
			return
		}
		if resp.Code != bmp5.RespComplete {
			op.complete(nil, ErrPermissionDenied)
			return
		}
		op.stats = &resp.Stats
		op.log.Debug("program statistics",
			zap.String("program", resp.Stats.ProgramName),
			zap.String("os", resp.Stats.OSVersion))
		op.recv.receive(&op.opBase, bmp5.TableDefsFile,
			func(_ uint32, data []byte) { op.tdf = append(op.tdf, data...) },
			op.onTDF)
	case bmp5.MsgFileUploadResp:
		op.recv.onMessage(m)
	}
}

func (op *opGetTableDefs) onTDF(o Outcome, err error) {
	if o != OutcomeSuccess {
		if err == nil {
			err = o.Err()
		}
		op.complete(nil, err)
		return
	}
	tables, err := bmp5.ParseTDF(op.tdf)
	if err != nil {
		op.complete(nil, fmt.Errorf("table definitions: %w", err))
		return
	}
	op.complete(tables, nil)
}

func (op *opGetTableDefs) onFailure(t *tran, f pakbus.Failure) {
	if op.stats != nil {
		op.recv.onFailure(f)
		return
	}
	if op.retry() {
		return
	}
	op.complete(nil, fmt.Errorf("program statistics: %s", f))
}

func (op *opGetTableDefs) complete(tables []*bmp5.Table, err error) {
	if op.done {
		return
	}
	op.finish()
	op.s.onTableDefs(tables, op.stats, err)
}

// abort is silent: the source already knows why it is aborting
func (op *opGetTableDefs) abort(o Outcome) {
	op.finish()
}
