// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pakbus

import (
	"fmt"
	"strings"
)

// FormatPacket formats a packet into a human-readable string
func FormatPacket(p *Packet) string {
	timestamp := p.Timestamp.Format("15:04:05.000")
	if p.Control {
		return fmt.Sprintf("[%s] LINK %s dst=%d src=%d\n", timestamp, FormatLinkState(p.LinkState), p.DstPhy, p.SrcPhy)
	}

	result := fmt.Sprintf("[%s] %s %s (0x%02X) %d->%d tran=%d len=%d\n",
		timestamp, FormatProtocol(p.Proto), FormatMessageType(p.Proto, p.MsgType), p.MsgType,
		p.SrcNode, p.DstNode, p.TranNbr, len(p.Body))
	if len(p.Body) > 0 {
		result += FormatHex(p.Body, 16)
	}
	return result
}

// FormatLinkState returns the name of a link state
func FormatLinkState(s LinkState) string {
	switch s {
	case LinkOffline:
		return "OFF_LINE"
	case LinkRing:
		return "RING"
	case LinkReady:
		return "READY"
	case LinkFinished:
		return "FINISHED"
	case LinkPause:
		return "PAUSE"
	default:
		return fmt.Sprintf("STATE_%X", uint8(s))
	}
}

// FormatProtocol returns the name of a high-level protocol
func FormatProtocol(p Protocol) string {
	switch p {
	case ProtoPakCtrl:
		return "PakCtrl"
	case ProtoBMP5:
		return "BMP5"
	default:
		return fmt.Sprintf("Proto%d", p)
	}
}

// FormatMessageType returns the human-readable name for a message type
func FormatMessageType(proto Protocol, msgType uint8) string {
	if proto == ProtoPakCtrl {
		switch msgType {
		case MsgDeliveryFailure:
			return "DELIVERY_FAILURE"
		case MsgHelloCmd:
			return "HELLO"
		case MsgHelloResp:
			return "HELLO_RESPONSE"
		case MsgBye:
			return "BYE"
		case MsgHelloRequest:
			return "HELLO_REQUEST"
		}
		return "UNKNOWN"
	}

	// BMP5 names live with the message definitions
	if name, ok := bmp5Names[msgType]; ok {
		return name
	}
	return "UNKNOWN"
}

// bmp5Names is filled by RegisterMessageName so the link layer can name
// application messages without importing them
var bmp5Names = map[uint8]string{
	MsgPleaseWait: "PLEASE_WAIT",
}

// RegisterMessageName associates a BMP5 message type with a display name
func RegisterMessageName(msgType uint8, name string) {
	bmp5Names[msgType] = name
}

// FormatHex renders data as rows of hex bytes
func FormatHex(data []byte, perRow int) string {
	var b strings.Builder
	for i := 0; i < len(data); i += perRow {
		end := i + perRow
		if end > len(data) {
			end = len(data)
		}
		b.WriteString("  ")
		for j, v := range data[i:end] {
			if j > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%02X", v)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
