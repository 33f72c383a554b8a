// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
	"github.com/Thermoquad/pakstat/pkg/pakbus"
)

// maxFragmentRetries bounds resends of one file fragment
const maxFragmentRetries = 3

// FileSink receives a file read from the datalogger
type FileSink interface {
	OnFileData(name string, offset uint32, data []byte)
	OnFileDone(name string, o Outcome)
}

// ============================================================
// Receiving
// ============================================================

// fileReceiver reads one file in swath sized fragments on behalf of an operation
type fileReceiver struct {
	b      *opBase
	name   string
	offset uint32
	swath  uint16
	onData func(offset uint32, data []byte)
	onDone func(o Outcome, err error)
}

func (r *fileReceiver) receive(b *opBase, name string, onData func(uint32, []byte), onDone func(Outcome, error)) {
	*r = fileReceiver{
		b:      b,
		name:   name,
		swath:  b.swath(len(name)),
		onData: onData,
		onDone: onDone,
	}
	b.retries = 0
	r.request()
}

func (r *fileReceiver) request() {
	cmd := &bmp5.FileUploadCommand{
		SecurityCode: r.b.s.cfg.SecurityCode,
		FileName:     r.name,
		Offset:       r.offset,
		Swath:        r.swath,
	}
	if err := r.b.issue(bmp5.MsgFileUpload, cmd.Marshal()); err != nil {
		r.onDone(OutcomeLinkFailed, err)
	}
}

func (r *fileReceiver) onMessage(m *pakbus.Message) {
	if m.Type != bmp5.MsgFileUploadResp {
		return
	}
	resp, err := bmp5.ParseFileUploadResponse(m.Body)
	if err != nil {
		r.onDone(OutcomeUnknown, err)
		return
	}
	if resp.Code != bmp5.FileOK {
		o := outcomeFromFileCode(resp.Code)
		r.onDone(o, fmt.Errorf("reading %s: %s", r.name, o))
		return
	}
	if resp.Offset != r.offset {
		r.onDone(OutcomeUnknown, fmt.Errorf("reading %s: fragment at offset %d, expected %d", r.name, resp.Offset, r.offset))
		return
	}
	r.b.retries = 0
	if len(resp.Data) > 0 {
		r.onData(r.offset, resp.Data)
	}
	r.offset += uint32(len(resp.Data))
	if len(resp.Data) < int(r.swath) {
		r.onDone(OutcomeSuccess, nil)
		return
	}
	r.request()
}

func (r *fileReceiver) onFailure(f pakbus.Failure) {
	if r.b.retry() {
		return
	}
	r.onDone(outcomeFromFailure(f), fmt.Errorf("reading %s: %s", r.name, f))
}

// ============================================================
// Get file
// ============================================================

// opGetFile reads a named file, or the newest file matching a pattern
type opGetFile struct {
	opBase
	name    string
	pattern string
	sink    FileSink

	listing []byte
	recv    fileReceiver
}

func newGetFile(s *Source, name, pattern string, sink FileSink) *opGetFile {
	op := &opGetFile{name: name, pattern: pattern, sink: sink}
	op.init(s, op, "get-file")
	return op
}

func (op *opGetFile) describe() string {
	if op.name != "" {
		return "get file " + op.name
	}
	return "get newest " + op.pattern
}

func (op *opGetFile) start() {
	if op.name != "" {
		op.receiveFile()
		return
	}
	op.recv.receive(&op.opBase, bmp5.DirectoryFile,
		func(_ uint32, data []byte) { op.listing = append(op.listing, data...) },
		op.onListing)
}

func (op *opGetFile) onListing(o Outcome, err error) {
	if o != OutcomeSuccess {
		op.complete(o, err)
		return
	}
	entries, err := bmp5.ParseDir(op.listing)
	if err != nil {
		op.complete(OutcomeUnknown, err)
		return
	}
	var newest *bmp5.DirEntry
	for i := range entries {
		e := &entries[i]
		if !e.Match(op.pattern) {
			continue
		}
		if newest == nil || e.Modified().After(newest.Modified()) {
			newest = e
		}
	}
	if newest == nil {
		op.complete(OutcomeNoMatch, nil)
		return
	}
	op.name = newest.Name
	op.receiveFile()
}

func (op *opGetFile) receiveFile() {
	op.recv.receive(&op.opBase, op.name,
		func(offset uint32, data []byte) { op.sink.OnFileData(op.name, offset, data) },
		op.complete)
}

func (op *opGetFile) onMessage(t *tran, m *pakbus.Message) {
	op.recv.onMessage(m)
}

func (op *opGetFile) onFailure(t *tran, f pakbus.Failure) {
	op.recv.onFailure(f)
}

func (op *opGetFile) complete(o Outcome, err error) {
	if op.done {
		return
	}
	if err != nil {
		op.log.Warn("file read failed", zap.Error(err))
	}
	op.finish()
	op.sink.OnFileDone(op.name, o)
}

func (op *opGetFile) abort(o Outcome) {
	op.complete(o, nil)
}

// ============================================================
// List files
// ============================================================

// opListFiles reads the datalogger directory
type opListFiles struct {
	opBase
	listing []byte
	recv    fileReceiver
	report  func(Outcome, []bmp5.DirEntry)
}

func newListFiles(s *Source, done func(Outcome, []bmp5.DirEntry)) *opListFiles {
	op := &opListFiles{report: done}
	op.init(s, op, "list-files")
	return op
}

func (op *opListFiles) describe() string { return "list files" }

func (op *opListFiles) start() {
	op.recv.receive(&op.opBase, bmp5.DirectoryFile,
		func(_ uint32, data []byte) { op.listing = append(op.listing, data...) },
		op.onListing)
}

func (op *opListFiles) onListing(o Outcome, err error) {
	if o != OutcomeSuccess {
		op.complete(o, nil)
		return
	}
	entries, err := bmp5.ParseDir(op.listing)
	if err != nil {
		op.log.Warn("bad directory listing", zap.Error(err))
		op.complete(OutcomeUnknown, nil)
		return
	}
	op.complete(OutcomeSuccess, entries)
}

func (op *opListFiles) onMessage(t *tran, m *pakbus.Message) { op.recv.onMessage(m) }
func (op *opListFiles) onFailure(t *tran, f pakbus.Failure)  { op.recv.onFailure(f) }
func (op *opListFiles) abort(o Outcome)                      { op.complete(o, nil) }

func (op *opListFiles) complete(o Outcome, entries []bmp5.DirEntry) {
	if op.done {
		return
	}
	op.finish()
	op.report(o, entries)
}

// ============================================================
// Send file
// ============================================================

// opSendFile writes a file to the datalogger
type opSendFile struct {
	opBase
	name   string
	data   []byte
	offset uint32
	sent   int // bytes in the fragment awaiting acknowledgement
	report func(Outcome)
}

func newSendFile(s *Source, name string, data []byte, done func(Outcome)) *opSendFile {
	op := &opSendFile{name: name, data: append([]byte(nil), data...), report: done}
	op.init(s, op, "send-file")
	return op
}

func (op *opSendFile) describe() string { return "send file " + op.name }

func (op *opSendFile) start() {
	op.sendFragment()
}

func (op *opSendFile) sendFragment() {
	// The fragment header also carries the name and attribute
	swath := int(op.swath(len(op.name) + 1))
	rest := op.data[op.offset:]
	n := len(rest)
	if n > swath {
		n = swath
	}
	op.sent = n
	cmd := &bmp5.FileDownloadCommand{
		SecurityCode: op.s.cfg.SecurityCode,
		FileName:     op.name,
		Close:        int(op.offset)+n == len(op.data),
		Offset:       op.offset,
		Data:         rest[:n],
	}
	if err := op.issue(bmp5.MsgFileDownload, cmd.Marshal()); err != nil {
		op.complete(OutcomeLinkFailed)
	}
}

func (op *opSendFile) onMessage(t *tran, m *pakbus.Message) {
	if m.Type != bmp5.MsgFileDownloadResp {
		return
	}
	resp, err := bmp5.ParseFileDownloadResponse(m.Body)
	if err != nil {
		op.log.Warn("bad file download response", zap.Error(err))
		op.complete(OutcomeUnknown)
		return
	}
	if resp.Code != bmp5.FileOK {
		op.complete(outcomeFromFileCode(resp.Code))
		return
	}
	if resp.Offset != op.offset {
		op.log.Warn("file download offset mismatch",
			zap.Uint32("got", resp.Offset), zap.Uint32("want", op.offset))
		op.complete(OutcomeUnknown)
		return
	}
	op.retries = 0
	op.offset += uint32(op.sent)
	if int(op.offset) >= len(op.data) {
		op.complete(OutcomeSuccess)
		return
	}
	op.sendFragment()
}

func (op *opSendFile) onFailure(t *tran, f pakbus.Failure) {
	if f == pakbus.FailureTimedOut && op.retries < maxFragmentRetries {
		op.retries++
		if op.issue(op.msgType, op.body) == nil {
			return
		}
	}
	op.complete(outcomeFromFailure(f))
}

func (op *opSendFile) abort(o Outcome) { op.complete(o) }

func (op *opSendFile) complete(o Outcome) {
	if op.done {
		return
	}
	op.log.Info("file send finished", zap.String("file", op.name), zap.Stringer("outcome", o))
	op.finish()
	op.report(o)
}
