// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pakbus

import (
	"errors"
	"fmt"
	"time"
)

// Packet errors
var (
	ErrShortPacket = errors.New("pakbus: packet too short")
	ErrBadAddress  = errors.New("pakbus: address out of range")
)

// Packet is a decoded PakBus packet.
//
// Control packets carry only the 4-byte link header (link state and physical
// addresses). Every other packet carries the full 8-byte header followed by
// a message type, a transaction number, and the message body.
type Packet struct {
	LinkState  LinkState
	DstPhy     uint16
	SrcPhy     uint16
	ExpectMore ExpectMore
	Priority   Priority

	Control bool

	Proto    Protocol
	DstNode  uint16
	SrcNode  uint16
	HopCount uint8

	MsgType uint8
	TranNbr uint8
	Body    []byte

	Timestamp time.Time
}

// NewControlPacket creates a link-state-only packet
func NewControlPacket(state LinkState, dst, src uint16) *Packet {
	return &Packet{
		LinkState:  state,
		DstPhy:     dst,
		SrcPhy:     src,
		ExpectMore: ExpectNeutral,
		Priority:   PriorityHigh,
		Control:    true,
		Timestamp:  time.Now(),
	}
}

// Marshal encodes the packet header and message without framing
func (p *Packet) Marshal() ([]byte, error) {
	if p.DstPhy > MaxAddress || p.SrcPhy > MaxAddress || p.DstNode > MaxAddress || p.SrcNode > MaxAddress {
		return nil, ErrBadAddress
	}

	size := ControlHeaderSize
	if !p.Control {
		size = HeaderSize + MessageHeaderSize + len(p.Body)
	}
	buf := make([]byte, ControlHeaderSize, size)
	buf[0] = byte(p.LinkState)<<4 | byte(p.DstPhy>>8)
	buf[1] = byte(p.DstPhy)
	buf[2] = byte(p.ExpectMore&0x3)<<6 | byte(p.Priority&0x3)<<4 | byte(p.SrcPhy>>8)
	buf[3] = byte(p.SrcPhy)
	if p.Control {
		return buf, nil
	}

	buf = append(buf,
		byte(p.Proto&0xF)<<4|byte(p.DstNode>>8),
		byte(p.DstNode),
		(p.HopCount&0xF)<<4|byte(p.SrcNode>>8),
		byte(p.SrcNode),
		p.MsgType,
		p.TranNbr,
	)
	buf = append(buf, p.Body...)
	return buf, nil
}

// ParsePacket decodes an unframed packet (quoting and nullifier already removed)
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < ControlHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}
	p := &Packet{
		LinkState:  LinkState(data[0] >> 4),
		DstPhy:     uint16(data[0]&0x0F)<<8 | uint16(data[1]),
		ExpectMore: ExpectMore(data[2] >> 6),
		Priority:   Priority((data[2] >> 4) & 0x3),
		SrcPhy:     uint16(data[2]&0x0F)<<8 | uint16(data[3]),
		Timestamp:  time.Now(),
	}
	if len(data) == ControlHeaderSize {
		p.Control = true
		return p, nil
	}
	if len(data) < HeaderSize+MessageHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}
	p.Proto = Protocol(data[4] >> 4)
	p.DstNode = uint16(data[4]&0x0F)<<8 | uint16(data[5])
	p.HopCount = data[6] >> 4
	p.SrcNode = uint16(data[6]&0x0F)<<8 | uint16(data[7])
	p.MsgType = data[8]
	p.TranNbr = data[9]
	p.Body = append([]byte(nil), data[10:]...)
	return p, nil
}

// Message is the routed portion of a packet delivered to a transaction
type Message struct {
	Proto   Protocol
	Src     uint16
	Dst     uint16
	Type    uint8
	TranNbr uint8
	Body    []byte
}

// messageFromPacket extracts the message carried by a full packet
func messageFromPacket(p *Packet) *Message {
	return &Message{
		Proto:   p.Proto,
		Src:     p.SrcNode,
		Dst:     p.DstNode,
		Type:    p.MsgType,
		TranNbr: p.TranNbr,
		Body:    p.Body,
	}
}
