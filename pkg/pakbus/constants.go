// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package pakbus implements the PakBus link layer used to reach Campbell
// style dataloggers over serial, TCP, or bridged byte streams.
//
// It provides serial framing with byte quoting and signature nullifiers,
// the PakBus packet header codec, and a Router that multiplexes numbered
// transactions over one point-to-point link. The router arbitrates the link
// with a FIFO focus queue so that only one transaction has a request
// outstanding at a time.
package pakbus

import "time"

// Framing bytes
const (
	SyncByte     = 0xBD
	QuoteByte    = 0xBC
	QuotedSync   = 0xDD // 0xBD is sent as 0xBC 0xDD
	QuotedQuote  = 0xDC // 0xBC is sent as 0xBC 0xDC
	NullifierLen = 2
)

// Packet size limits
const (
	ControlHeaderSize = 4
	HeaderSize        = 8
	MessageHeaderSize = 2 // message type + transaction number
	MaxPacketSize     = 1010
	MaxAddress        = 0x0FFF
	BroadcastAddress  = 0x0FFF
	DefaultAddress    = 4094
)

// Signature seed used for every PakBus signature
const signatureSeed = 0xAAAA

// LinkState is the 4-bit link state carried in every packet header
type LinkState uint8

// Link state values
const (
	LinkOffline  LinkState = 0x8
	LinkRing     LinkState = 0x9
	LinkReady    LinkState = 0xA
	LinkFinished LinkState = 0xB
	LinkPause    LinkState = 0xC
)

// ExpectMore is the 2-bit expect-more code
type ExpectMore uint8

// Expect-more values
const (
	ExpectLast    ExpectMore = 0
	ExpectMoreMsg ExpectMore = 1
	ExpectNeutral ExpectMore = 2
	ExpectReverse ExpectMore = 3
)

// Priority is the 2-bit message priority
type Priority uint8

// Priority values
const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityExtra  Priority = 3
)

// Protocol is the 4-bit high-level protocol code
type Protocol uint8

// High-level protocol values
const (
	ProtoPakCtrl Protocol = 0
	ProtoBMP5    Protocol = 1
)

// PakCtrl message types
const (
	MsgDeliveryFailure = 0x81
	MsgHelloCmd        = 0x09
	MsgHelloResp       = 0x89
	MsgBye             = 0x0D
	MsgHelloRequest    = 0x0E
)

// BMP5 please-wait message, sent by a node that needs more time
const MsgPleaseWait = 0xA1

// Router defaults
const (
	DefaultTimeout     = 10 * time.Second
	DefaultRingTimeout = 2 * time.Second
	DefaultRingRetries = 5

	// slack added to a please-wait estimate before the transaction times out
	pleaseWaitSlack = 2 * time.Second
)
