// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pakbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/pakstat/pkg/loop"
)

// Router errors
var (
	ErrTransactionClosed = errors.New("pakbus: transaction closed")
	ErrBodyTooLarge      = errors.New("pakbus: message body too large")
	ErrNoTransactions    = errors.New("pakbus: no free transaction numbers")
	ErrLinkNotReady      = errors.New("pakbus: link not ready")
)

// Handler receives the events of one transaction.
// Every method is invoked on the router's loop.
type Handler interface {
	// OnFocusStart is called when the transaction is granted the link
	OnFocusStart(t *Transaction)
	// OnMessage delivers a message addressed to the transaction
	OnMessage(t *Transaction, m *Message)
	// OnFailure reports that the outstanding request could not be completed
	OnFailure(t *Transaction, f Failure)
}

// Config holds router settings
type Config struct {
	// Address is this node's PakBus address
	Address uint16
	// MaxPacketSize limits the size of an unframed packet
	MaxPacketSize int
	// Timeout is the default response timeout for a transaction
	Timeout time.Duration
	// RingTimeout is the wait for a ready reply to each ring
	RingTimeout time.Duration
	// RingRetries is the number of rings sent before the link is declared down
	RingRetries int
}

func (c Config) withDefaults() Config {
	if c.Address == 0 {
		c.Address = DefaultAddress
	}
	if c.MaxPacketSize <= 0 || c.MaxPacketSize > MaxPacketSize {
		c.MaxPacketSize = MaxPacketSize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = DefaultRingTimeout
	}
	if c.RingRetries <= 0 {
		c.RingRetries = DefaultRingRetries
	}
	return c
}

// LinkListener is notified when the point-to-point link changes state
type LinkListener interface {
	OnLinkUp()
	OnLinkDown(f Failure)
}

type tranKey struct {
	dest uint16
	nbr  uint8
}

// Router multiplexes transactions over one point-to-point PakBus link.
//
// The router is not safe for concurrent use: every method must be called on
// the loop passed to NewRouter.
type Router struct {
	cfg      Config
	log      *zap.Logger
	loop     *loop.Loop
	w        io.Writer
	neighbor uint16
	listener LinkListener

	decoder *Decoder
	state   LinkState

	trans    map[tranKey]*Transaction
	lastNbr  uint8
	focus    *Transaction
	waiting  []*Transaction
	rings    int
	ringTime *loop.Timer

	stats Statistics
}

// Statistics counts link activity
type Statistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	FrameErrors     uint64
	Unrouted        uint64
}

// NewRouter creates a router that reaches neighbor over w.
// Inbound bytes are handed to the router with Receive.
func NewRouter(lp *loop.Loop, w io.Writer, neighbor uint16, cfg Config, listener LinkListener, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		cfg:      cfg.withDefaults(),
		log:      log.Named("pakbus"),
		loop:     lp,
		w:        w,
		neighbor: neighbor,
		listener: listener,
		decoder:  NewDecoder(),
		state:    LinkOffline,
		trans:    make(map[tranKey]*Transaction),
	}
}

// Address returns this node's PakBus address
func (r *Router) Address() uint16 {
	return r.cfg.Address
}

// Neighbor returns the PakBus address of the datalogger on the link
func (r *Router) Neighbor() uint16 {
	return r.neighbor
}

// Ready reports whether the link handshake has completed
func (r *Router) Ready() bool {
	return r.state == LinkReady
}

// Stats returns a snapshot of the link counters
func (r *Router) Stats() Statistics {
	return r.stats
}

// MaxBodyLen returns the largest message body that can be sent to dest
func (r *Router) MaxBodyLen(dest uint16) int {
	return r.cfg.MaxPacketSize - HeaderSize - MessageHeaderSize
}

// Start rings the neighbor. The listener's OnLinkUp fires once it answers.
func (r *Router) Start() {
	r.state = LinkRing
	r.rings = 0
	r.ring()
}

func (r *Router) ring() {
	if r.rings >= r.cfg.RingRetries {
		r.log.Warn("neighbor did not answer ring", zap.Int("rings", r.rings))
		r.linkDown(FailureUnreachable)
		return
	}
	r.rings++
	if err := r.writePacket(NewControlPacket(LinkRing, r.neighbor, r.cfg.Address)); err != nil {
		r.linkDown(FailureLinkFailed)
		return
	}
	r.ringTime = r.loop.AfterFunc(r.cfg.RingTimeout, r.ring)
}

// Stop sends a finished link state and abandons every transaction without
// notifying their handlers.
func (r *Router) Stop() {
	r.ringTime.Stop()
	if r.state == LinkReady {
		_ = r.writePacket(NewControlPacket(LinkFinished, r.neighbor, r.cfg.Address))
	}
	r.state = LinkOffline
	r.abandonAll()
}

func (r *Router) abandonAll() {
	for _, t := range r.trans {
		t.timer.Stop()
		t.closed = true
	}
	r.trans = make(map[tranKey]*Transaction)
	r.focus = nil
	r.waiting = nil
	r.decoder.Reset()
}

func (r *Router) linkUp() {
	r.ringTime.Stop()
	if r.state == LinkReady {
		return
	}
	r.state = LinkReady
	r.log.Debug("link ready", zap.Uint16("neighbor", r.neighbor))
	if r.listener != nil {
		r.loop.Post(r.listener.OnLinkUp)
	}
	r.grantNext()
}

func (r *Router) linkDown(f Failure) {
	r.ringTime.Stop()
	was := r.state
	r.state = LinkOffline
	r.abandonAll()
	if was != LinkOffline && r.listener != nil {
		r.loop.Post(func() { r.listener.OnLinkDown(f) })
	}
}

// Receive feeds bytes read from the transport to the router
func (r *Router) Receive(data []byte) {
	r.decoder.Write(data)
	for {
		p, err := r.decoder.Next()
		if err != nil {
			r.stats.FrameErrors++
			r.log.Debug("dropped frame", zap.Error(err))
			continue
		}
		if p == nil {
			return
		}
		r.stats.PacketsReceived++
		r.handlePacket(p)
	}
}

func (r *Router) handlePacket(p *Packet) {
	switch p.LinkState {
	case LinkRing:
		_ = r.writePacket(NewControlPacket(LinkReady, p.SrcPhy, r.cfg.Address))
		r.linkUp()
	case LinkReady:
		r.linkUp()
	case LinkOffline, LinkFinished:
		if p.Control {
			r.log.Debug("neighbor closed link", zap.Uint8("state", uint8(p.LinkState)))
			r.linkDown(FailureLinkFailed)
			return
		}
	}
	if p.Control {
		return
	}
	if p.DstNode != r.cfg.Address && p.DstNode != BroadcastAddress {
		r.stats.Unrouted++
		return
	}

	msg := messageFromPacket(p)
	switch p.Proto {
	case ProtoPakCtrl:
		r.handlePakCtrl(msg)
	case ProtoBMP5:
		if msg.Type == MsgPleaseWait {
			r.handlePleaseWait(msg)
			return
		}
		r.dispatch(msg)
	default:
		r.stats.Unrouted++
	}
}

func (r *Router) handlePakCtrl(m *Message) {
	switch m.Type {
	case MsgHelloCmd, MsgHelloRequest:
		// Not a router, hop metric 2 (one second), verify interval in seconds
		body := []byte{0, 2, 0, 0}
		binary.BigEndian.PutUint16(body[2:], 1800)
		reply := r.newPacket(m.Src, ProtoPakCtrl, MsgHelloResp, m.TranNbr, body)
		reply.ExpectMore = ExpectLast
		_ = r.writePacket(reply)
	case MsgDeliveryFailure:
		r.handleDeliveryFailure(m)
	case MsgBye:
		r.linkDown(FailureLinkFailed)
	default:
		r.dispatch(m)
	}
}

// handleDeliveryFailure routes a failure report to the transaction whose
// message could not be delivered. The body carries an error code followed by
// the header and message type/transaction number of the failed message.
func (r *Router) handleDeliveryFailure(m *Message) {
	if len(m.Body) < 1+HeaderSize+MessageHeaderSize {
		r.stats.Unrouted++
		return
	}
	code := m.Body[0]
	failed := m.Body[1:]
	dest := uint16(failed[4]&0x0F)<<8 | uint16(failed[5])
	nbr := failed[9]
	t, ok := r.trans[tranKey{dest: dest, nbr: nbr}]
	if !ok {
		r.stats.Unrouted++
		return
	}
	t.timer.Stop()
	t.handler.OnFailure(t, failureFromDeliveryCode(code))
}

func (r *Router) handlePleaseWait(m *Message) {
	t, ok := r.trans[tranKey{dest: m.Src, nbr: m.TranNbr}]
	if !ok || len(m.Body) < 3 {
		return
	}
	wait := time.Duration(binary.BigEndian.Uint16(m.Body[1:3])) * time.Second
	r.log.Debug("please wait", zap.Uint8("tran", t.nbr), zap.Duration("wait", wait))
	// Only the outstanding request waits longer; the next Send arms t.timeout
	t.timer.Reset(wait + pleaseWaitSlack)
}

func (r *Router) dispatch(m *Message) {
	t, ok := r.trans[tranKey{dest: m.Src, nbr: m.TranNbr}]
	if !ok {
		r.stats.Unrouted++
		r.log.Debug("unrouted message", zap.Uint8("type", m.Type), zap.Uint8("tran", m.TranNbr))
		return
	}
	t.timer.Stop()
	t.handler.OnMessage(t, m)
}

// OpenTransaction creates a transaction with a fresh number addressed to dest
func (r *Router) OpenTransaction(dest uint16, h Handler) (*Transaction, error) {
	nbr, err := r.allocNumber(dest)
	if err != nil {
		return nil, err
	}
	t := &Transaction{
		router:  r,
		handler: h,
		dest:    dest,
		nbr:     nbr,
		timeout: r.cfg.Timeout,
	}
	t.timer = r.loop.NewTimer(t.expire)
	r.trans[tranKey{dest: dest, nbr: nbr}] = t
	return t, nil
}

func (r *Router) allocNumber(dest uint16) (uint8, error) {
	for i := 0; i < 255; i++ {
		r.lastNbr++
		if r.lastNbr == 0 {
			r.lastNbr = 1
		}
		if _, used := r.trans[tranKey{dest: dest, nbr: r.lastNbr}]; !used {
			return r.lastNbr, nil
		}
	}
	return 0, ErrNoTransactions
}

// CloseTransaction removes t from the router. No further callbacks are made.
func (r *Router) CloseTransaction(t *Transaction) {
	if t == nil || t.closed {
		return
	}
	t.closed = true
	t.timer.Stop()
	delete(r.trans, tranKey{dest: t.dest, nbr: t.nbr})
	r.dequeue(t)
	if r.focus == t {
		r.focus = nil
		r.grantNext()
	}
}

// ReassignTransaction gives t a new number and releases its place on the link.
// The handler is kept; call RequestFocus to queue it again.
func (r *Router) ReassignTransaction(t *Transaction) error {
	if t.closed {
		return ErrTransactionClosed
	}
	t.timer.Stop()
	delete(r.trans, tranKey{dest: t.dest, nbr: t.nbr})
	nbr, err := r.allocNumber(t.dest)
	if err != nil {
		r.CloseTransaction(t)
		return err
	}
	t.nbr = nbr
	r.trans[tranKey{dest: t.dest, nbr: nbr}] = t
	r.ReleaseFocus(t)
	return nil
}

// RequestFocus queues t for the link. OnFocusStart is called when it is t's turn.
func (r *Router) RequestFocus(t *Transaction) {
	if t.closed || r.focus == t {
		return
	}
	for _, w := range r.waiting {
		if w == t {
			return
		}
	}
	r.waiting = append(r.waiting, t)
	r.grantNext()
}

// ReleaseFocus gives up the link if t holds it, or leaves the queue if waiting
func (r *Router) ReleaseFocus(t *Transaction) {
	r.dequeue(t)
	if r.focus == t {
		r.focus = nil
		r.grantNext()
	}
}

// HasFocus reports whether t currently holds the link
func (r *Router) HasFocus(t *Transaction) bool {
	return r.focus == t
}

func (r *Router) dequeue(t *Transaction) {
	for i, w := range r.waiting {
		if w == t {
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
			return
		}
	}
}

func (r *Router) grantNext() {
	if r.focus != nil || len(r.waiting) == 0 || r.state != LinkReady {
		return
	}
	t := r.waiting[0]
	r.waiting = r.waiting[1:]
	r.focus = t
	r.loop.Post(func() {
		if t.closed || r.focus != t {
			return
		}
		t.handler.OnFocusStart(t)
	})
}

// Send transmits a message on t and arms its response timeout
func (r *Router) Send(t *Transaction, proto Protocol, msgType uint8, body []byte) error {
	if t.closed {
		return ErrTransactionClosed
	}
	if r.state != LinkReady {
		return ErrLinkNotReady
	}
	if len(body) > r.MaxBodyLen(t.dest) {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrBodyTooLarge, len(body), r.MaxBodyLen(t.dest))
	}
	p := r.newPacket(t.dest, proto, msgType, t.nbr, body)
	if err := r.writePacket(p); err != nil {
		r.linkDown(FailureLinkFailed)
		return err
	}
	t.ResetTimeout()
	return nil
}

func (r *Router) newPacket(dest uint16, proto Protocol, msgType, nbr uint8, body []byte) *Packet {
	return &Packet{
		LinkState:  LinkReady,
		DstPhy:     r.neighbor,
		SrcPhy:     r.cfg.Address,
		ExpectMore: ExpectMoreMsg,
		Priority:   PriorityNormal,
		Proto:      proto,
		DstNode:    dest,
		SrcNode:    r.cfg.Address,
		MsgType:    msgType,
		TranNbr:    nbr,
		Body:       body,
		Timestamp:  r.loop.Now(),
	}
}

func (r *Router) writePacket(p *Packet) error {
	data, err := EncodePacket(p)
	if err != nil {
		return err
	}
	if _, err := r.w.Write(data); err != nil {
		r.log.Warn("write failed", zap.Error(err))
		return err
	}
	r.stats.PacketsSent++
	return nil
}

// Transaction is one numbered exchange with a remote node
type Transaction struct {
	router  *Router
	handler Handler
	dest    uint16
	nbr     uint8
	timeout time.Duration
	timer   *loop.Timer
	closed  bool
}

// Number returns the current transaction number
func (t *Transaction) Number() uint8 {
	return t.nbr
}

// Dest returns the destination node address
func (t *Transaction) Dest() uint16 {
	return t.dest
}

// Closed reports whether the transaction was closed
func (t *Transaction) Closed() bool {
	return t.closed
}

// Timeout returns the response timeout
func (t *Transaction) Timeout() time.Duration {
	return t.timeout
}

// SetTimeout changes the response timeout used from the next (re)arm
func (t *Transaction) SetTimeout(d time.Duration) {
	t.timeout = d
}

// ResetTimeout re-arms the response timer with the current timeout
func (t *Transaction) ResetTimeout() {
	if t.closed {
		return
	}
	t.timer.Reset(t.timeout)
}

// ClearTimeout disarms the response timer
func (t *Transaction) ClearTimeout() {
	t.timer.Stop()
}

func (t *Transaction) expire() {
	if t.closed {
		return
	}
	t.router.log.Debug("transaction timed out", zap.Uint8("tran", t.nbr), zap.Uint16("dest", t.dest))
	t.handler.OnFailure(t, FailureTimedOut)
}
