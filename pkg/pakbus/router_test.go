// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pakbus

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Thermoquad/pakstat/pkg/loop"
)

const testNeighbor = 1

// recordingHandler records every transaction event
type recordingHandler struct {
	name     string
	events   *[]string
	messages []*Message
	failures []Failure
}

func (h *recordingHandler) OnFocusStart(t *Transaction) {
	*h.events = append(*h.events, h.name+":focus")
}

func (h *recordingHandler) OnMessage(t *Transaction, m *Message) {
	*h.events = append(*h.events, h.name+":message")
	h.messages = append(h.messages, m)
}

func (h *recordingHandler) OnFailure(t *Transaction, f Failure) {
	*h.events = append(*h.events, h.name+":failure")
	h.failures = append(h.failures, f)
}

type linkEvents struct {
	up   int
	down []Failure
}

func (l *linkEvents) OnLinkUp()            { l.up++ }
func (l *linkEvents) OnLinkDown(f Failure) { l.down = append(l.down, f) }

type routerHarness struct {
	clock  clockwork.FakeClock
	loop   *loop.Loop
	wire   *bytes.Buffer
	router *Router
	link   *linkEvents
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	h := &routerHarness{
		clock: clock,
		loop:  loop.New(clock),
		wire:  &bytes.Buffer{},
		link:  &linkEvents{},
	}
	h.router = NewRouter(h.loop, h.wire, testNeighbor, Config{Timeout: 5 * time.Second}, h.link, nil)
	return h
}

// sent decodes and clears every packet the router has written
func (h *routerHarness) sent(t *testing.T) []*Packet {
	t.Helper()
	d := NewDecoder()
	d.Write(h.wire.Bytes())
	h.wire.Reset()
	var out []*Packet
	for {
		p, err := d.Next()
		if err != nil {
			t.Fatalf("router wrote bad frame: %v", err)
		}
		if p == nil {
			return out
		}
		out = append(out, p)
	}
}

func (h *routerHarness) fromNeighbor(p *Packet) {
	h.router.Receive(MustEncodePacket(p))
	h.loop.RunPending()
}

func (h *routerHarness) bringUp(t *testing.T) {
	t.Helper()
	h.router.Start()
	h.loop.RunPending()
	h.fromNeighbor(NewControlPacket(LinkReady, 4094, testNeighbor))
	if !h.router.Ready() || h.link.up != 1 {
		t.Fatalf("link not up: ready=%v up=%d", h.router.Ready(), h.link.up)
	}
	h.sent(t)
}

func reply(nbr, msgType uint8, body []byte) *Packet {
	return &Packet{
		LinkState: LinkReady,
		DstPhy:    4094,
		SrcPhy:    testNeighbor,
		Proto:     ProtoBMP5,
		DstNode:   4094,
		SrcNode:   testNeighbor,
		MsgType:   msgType,
		TranNbr:   nbr,
		Body:      body,
	}
}

// ============================================================
// Link State Tests
// ============================================================

func TestRouter_RingHandshake(t *testing.T) {
	h := newRouterHarness(t)
	h.router.Start()
	sent := h.sent(t)
	if len(sent) != 1 || !sent[0].Control || sent[0].LinkState != LinkRing {
		t.Fatalf("expected one ring, got %+v", sent)
	}
	h.fromNeighbor(NewControlPacket(LinkReady, 4094, testNeighbor))
	if h.link.up != 1 {
		t.Errorf("OnLinkUp called %d times", h.link.up)
	}
}

func TestRouter_RingGivesUp(t *testing.T) {
	h := newRouterHarness(t)
	h.router.Start()
	for i := 0; i < DefaultRingRetries; i++ {
		h.clock.Advance(DefaultRingTimeout)
		h.loop.RunPending()
	}
	if len(h.sent(t)) != DefaultRingRetries {
		t.Errorf("expected %d rings", DefaultRingRetries)
	}
	if len(h.link.down) != 1 || h.link.down[0] != FailureUnreachable {
		t.Errorf("link down events = %v", h.link.down)
	}
}

func TestRouter_AnswersRing(t *testing.T) {
	h := newRouterHarness(t)
	h.fromNeighbor(NewControlPacket(LinkRing, 4094, testNeighbor))
	sent := h.sent(t)
	if len(sent) != 1 || sent[0].LinkState != LinkReady {
		t.Fatalf("expected ready reply, got %+v", sent)
	}
	if !h.router.Ready() {
		t.Error("router should be ready after answering ring")
	}
}

// ============================================================
// Focus Tests
// ============================================================

func TestRouter_FocusIsFIFO(t *testing.T) {
	h := newRouterHarness(t)
	h.bringUp(t)

	var events []string
	a := &recordingHandler{name: "a", events: &events}
	b := &recordingHandler{name: "b", events: &events}
	ta, _ := h.router.OpenTransaction(testNeighbor, a)
	tb, _ := h.router.OpenTransaction(testNeighbor, b)

	h.router.RequestFocus(ta)
	h.router.RequestFocus(tb)
	h.loop.RunPending()
	if len(events) != 1 || events[0] != "a:focus" {
		t.Fatalf("events = %v", events)
	}

	// Reassigning a releases the link and puts it behind b
	oldNbr := ta.Number()
	if err := h.router.ReassignTransaction(ta); err != nil {
		t.Fatal(err)
	}
	if ta.Number() == oldNbr {
		t.Error("reassign kept the same number")
	}
	h.router.RequestFocus(ta)
	h.loop.RunPending()
	if events[1] != "b:focus" {
		t.Fatalf("events = %v", events)
	}

	h.router.CloseTransaction(tb)
	h.loop.RunPending()
	if events[len(events)-1] != "a:focus" {
		t.Errorf("events = %v", events)
	}
}

func TestRouter_FocusWaitsForLink(t *testing.T) {
	h := newRouterHarness(t)
	var events []string
	a := &recordingHandler{name: "a", events: &events}
	ta, _ := h.router.OpenTransaction(testNeighbor, a)
	h.router.RequestFocus(ta)
	h.loop.RunPending()
	if len(events) != 0 {
		t.Fatalf("focus granted before link ready: %v", events)
	}
	h.bringUp(t)
	if len(events) != 1 {
		t.Errorf("events = %v", events)
	}
}

// ============================================================
// Dispatch Tests
// ============================================================

func TestRouter_RoutesResponseByNumber(t *testing.T) {
	h := newRouterHarness(t)
	h.bringUp(t)

	var events []string
	a := &recordingHandler{name: "a", events: &events}
	ta, _ := h.router.OpenTransaction(testNeighbor, a)
	if err := h.router.Send(ta, ProtoBMP5, 0x17, []byte{0, 0}); err != nil {
		t.Fatal(err)
	}
	sent := h.sent(t)
	if len(sent) != 1 || sent[0].TranNbr != ta.Number() || sent[0].DstNode != testNeighbor {
		t.Fatalf("unexpected packet %+v", sent)
	}

	h.fromNeighbor(reply(ta.Number()+1, 0x97, nil))
	if len(a.messages) != 0 {
		t.Fatal("message with a foreign number was delivered")
	}
	h.fromNeighbor(reply(ta.Number(), 0x97, []byte{0}))
	if len(a.messages) != 1 || a.messages[0].Type != 0x97 {
		t.Fatalf("messages = %v", a.messages)
	}

	// Response disarms the timer
	h.clock.Advance(time.Minute)
	h.loop.RunPending()
	if len(a.failures) != 0 {
		t.Errorf("unexpected failures %v", a.failures)
	}
}

func TestRouter_Timeout(t *testing.T) {
	h := newRouterHarness(t)
	h.bringUp(t)

	var events []string
	a := &recordingHandler{name: "a", events: &events}
	ta, _ := h.router.OpenTransaction(testNeighbor, a)
	_ = h.router.Send(ta, ProtoBMP5, 0x17, nil)

	h.clock.Advance(4 * time.Second)
	h.loop.RunPending()
	if len(a.failures) != 0 {
		t.Fatal("timed out early")
	}
	h.clock.Advance(time.Second)
	h.loop.RunPending()
	if len(a.failures) != 1 || a.failures[0] != FailureTimedOut {
		t.Errorf("failures = %v", a.failures)
	}
}

func TestRouter_PleaseWaitStretchesTimeout(t *testing.T) {
	h := newRouterHarness(t)
	h.bringUp(t)

	var events []string
	a := &recordingHandler{name: "a", events: &events}
	ta, _ := h.router.OpenTransaction(testNeighbor, a)
	_ = h.router.Send(ta, ProtoBMP5, 0x1D, nil)

	body := []byte{0x1D, 0, 0}
	binary.BigEndian.PutUint16(body[1:], 30)
	h.fromNeighbor(reply(ta.Number(), MsgPleaseWait, body))

	h.clock.Advance(30 * time.Second)
	h.loop.RunPending()
	if len(a.failures) != 0 {
		t.Fatal("please-wait did not stretch the timeout")
	}
	h.clock.Advance(pleaseWaitSlack)
	h.loop.RunPending()
	if len(a.failures) != 1 {
		t.Errorf("failures = %v", a.failures)
	}
}

func TestRouter_PleaseWaitAppliesToOneRequest(t *testing.T) {
	h := newRouterHarness(t)
	h.bringUp(t)

	var events []string
	a := &recordingHandler{name: "a", events: &events}
	ta, _ := h.router.OpenTransaction(testNeighbor, a)
	_ = h.router.Send(ta, ProtoBMP5, 0x1D, nil)

	body := []byte{0x1D, 0, 0}
	binary.BigEndian.PutUint16(body[1:], 30)
	h.fromNeighbor(reply(ta.Number(), MsgPleaseWait, body))
	h.fromNeighbor(reply(ta.Number(), 0x9D, nil))
	if ta.Timeout() != 5*time.Second {
		t.Fatalf("timeout = %v after please-wait", ta.Timeout())
	}

	// The next command on the same transaction uses the normal timeout
	if err := h.router.ReassignTransaction(ta); err != nil {
		t.Fatal(err)
	}
	_ = h.router.Send(ta, ProtoBMP5, 0x1D, nil)
	h.clock.Advance(5 * time.Second)
	h.loop.RunPending()
	if len(a.failures) != 1 || a.failures[0] != FailureTimedOut {
		t.Errorf("failures = %v", a.failures)
	}
}

func TestRouter_DeliveryFailure(t *testing.T) {
	h := newRouterHarness(t)
	h.bringUp(t)

	var events []string
	a := &recordingHandler{name: "a", events: &events}
	ta, _ := h.router.OpenTransaction(testNeighbor, a)
	_ = h.router.Send(ta, ProtoBMP5, 0x09, []byte{1, 2})
	raw, _ := h.router.newPacket(testNeighbor, ProtoBMP5, 0x09, ta.Number(), nil).Marshal()
	h.wire.Reset()

	failure := reply(0, MsgDeliveryFailure, append([]byte{7}, raw...))
	failure.Proto = ProtoPakCtrl
	h.fromNeighbor(failure)
	if len(a.failures) != 1 || a.failures[0] != FailurePacketTooBig {
		t.Errorf("failures = %v", a.failures)
	}
}

func TestRouter_SendRejectsOversizedBody(t *testing.T) {
	h := newRouterHarness(t)
	h.bringUp(t)
	var events []string
	ta, _ := h.router.OpenTransaction(testNeighbor, &recordingHandler{name: "a", events: &events})
	body := make([]byte, h.router.MaxBodyLen(testNeighbor)+1)
	if err := h.router.Send(ta, ProtoBMP5, 0x1C, body); err == nil {
		t.Error("expected error for oversized body")
	}
}

func TestRouter_AnswersHello(t *testing.T) {
	h := newRouterHarness(t)
	h.bringUp(t)
	hello := reply(3, MsgHelloCmd, []byte{0, 2, 0, 60})
	hello.Proto = ProtoPakCtrl
	h.fromNeighbor(hello)
	sent := h.sent(t)
	if len(sent) != 1 || sent[0].MsgType != MsgHelloResp || sent[0].TranNbr != 3 {
		t.Errorf("expected hello response, got %+v", sent)
	}
}
