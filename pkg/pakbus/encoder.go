// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pakbus

import "fmt"

// EncodePacket marshals a packet and wraps it in serial framing
func EncodePacket(p *Packet) ([]byte, error) {
	raw, err := p.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal packet: %w", err)
	}
	if len(raw) > MaxPacketSize {
		return nil, fmt.Errorf("packet too large: %d bytes (max %d)", len(raw), MaxPacketSize)
	}
	return Frame(raw), nil
}

// MustEncodePacket encodes a packet and panics on error
func MustEncodePacket(p *Packet) []byte {
	data, err := EncodePacket(p)
	if err != nil {
		panic(fmt.Sprintf("pakbus: encode error: %v", err))
	}
	return data
}

// Frame appends the signature nullifier to raw, quotes the result, and
// surrounds it with sync bytes.
func Frame(raw []byte) []byte {
	null := CalcNullifier(CalcSignature(raw))

	out := make([]byte, 0, len(raw)*2+NullifierLen+2)
	out = append(out, SyncByte)
	out = quoteBytes(out, raw)
	out = quoteBytes(out, null[:])
	out = append(out, SyncByte)
	return out
}

// quoteBytes appends data to dst, escaping sync and quote bytes
func quoteBytes(dst, data []byte) []byte {
	for _, b := range data {
		switch b {
		case SyncByte:
			dst = append(dst, QuoteByte, QuotedSync)
		case QuoteByte:
			dst = append(dst, QuoteByte, QuotedQuote)
		default:
			dst = append(dst, b)
		}
	}
	return dst
}

// UnquoteBytes removes quoting from data.
// This is the inverse of the quoting applied by Frame.
func UnquoteBytes(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	quoted := false
	for _, b := range data {
		if quoted {
			switch b {
			case QuotedSync:
				out = append(out, SyncByte)
			case QuotedQuote:
				out = append(out, QuoteByte)
			default:
				return nil, fmt.Errorf("invalid quoted byte 0x%02X", b)
			}
			quoted = false
			continue
		}
		if b == QuoteByte {
			quoted = true
			continue
		}
		out = append(out, b)
	}
	if quoted {
		return nil, fmt.Errorf("incomplete quote sequence at end of data")
	}
	return out, nil
}
