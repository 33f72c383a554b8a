// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pakbus

import (
	"bytes"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

// randomPacket builds a packet with random header fields. Bodies favor the
// sync and quote bytes so quoting is exercised.
func randomPacket(rng *rand.Rand) *Packet {
	addr := func() uint16 { return uint16(rng.Intn(MaxAddress + 1)) }
	p := &Packet{
		LinkState:  LinkState(rng.Intn(16)),
		DstPhy:     addr(),
		SrcPhy:     addr(),
		ExpectMore: ExpectMore(rng.Intn(4)),
		Priority:   Priority(rng.Intn(4)),
	}
	if rng.Intn(4) == 0 {
		p.Control = true
		return p
	}
	p.Proto = Protocol(rng.Intn(16))
	p.DstNode = addr()
	p.SrcNode = addr()
	p.HopCount = uint8(rng.Intn(16))
	p.MsgType = uint8(rng.Intn(256))
	p.TranNbr = uint8(rng.Intn(256))

	maxBody := MaxPacketSize - HeaderSize - MessageHeaderSize
	p.Body = make([]byte, rng.Intn(maxBody+1))
	for i := range p.Body {
		switch rng.Intn(8) {
		case 0:
			p.Body[i] = SyncByte
		case 1:
			p.Body[i] = QuoteByte
		default:
			p.Body[i] = byte(rng.Intn(256))
		}
	}
	return p
}

func samePacket(t *testing.T, round int, want, got *Packet) {
	t.Helper()
	if got == nil {
		t.Errorf("Round %d: expected packet, got nil", round)
		return
	}
	if got.Control != want.Control || got.LinkState != want.LinkState ||
		got.DstPhy != want.DstPhy || got.SrcPhy != want.SrcPhy ||
		got.ExpectMore != want.ExpectMore || got.Priority != want.Priority {
		t.Errorf("Round %d: link header mismatch: expected %+v, got %+v", round, want, got)
		return
	}
	if want.Control {
		return
	}
	if got.Proto != want.Proto || got.DstNode != want.DstNode || got.SrcNode != want.SrcNode ||
		got.HopCount != want.HopCount || got.MsgType != want.MsgType || got.TranNbr != want.TranNbr {
		t.Errorf("Round %d: message header mismatch: expected %+v, got %+v", round, want, got)
		return
	}
	if !bytes.Equal(got.Body, want.Body) {
		t.Errorf("Round %d: body mismatch: %d bytes expected, %d bytes received", round, len(want.Body), len(got.Body))
	}
}

// ============================================================
// Decoder Fuzz Tests
// ============================================================

// TestFuzzDecoder_RandomBytes feeds random bytes to the decoder
// and verifies it doesn't crash or panic
func TestFuzzDecoder_RandomBytes(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		d := NewDecoder()

		length := rng.Intn(2048) + 1
		data := make([]byte, length)
		rng.Read(data)
		// Sprinkle sync bytes so frames actually open and close
		for j := 0; j < length/32; j++ {
			data[rng.Intn(length)] = SyncByte
		}

		d.Write(data)
		for n := 0; n < length; n++ {
			p, err := d.Next()
			if p == nil && err == nil {
				break
			}
		}
	}
}

// TestFuzzDecoder_RandomPackets encodes random packets and checks that a
// stream of them, split at random points, decodes to the same packets
func TestFuzzDecoder_RandomPackets(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		d := NewDecoder()

		var sent []*Packet
		var stream []byte
		for n := rng.Intn(3) + 1; n > 0; n-- {
			p := randomPacket(rng)
			wire, err := EncodePacket(p)
			if err != nil {
				t.Fatalf("Round %d: encode failed: %v", i, err)
			}
			sent = append(sent, p)
			stream = append(stream, wire...)
		}

		var got []*Packet
		for len(stream) > 0 {
			chunk := rng.Intn(len(stream)) + 1
			d.Write(stream[:chunk])
			stream = stream[chunk:]
			for {
				p, err := d.Next()
				if err != nil {
					t.Fatalf("Round %d: unexpected decode error: %v", i, err)
				}
				if p == nil {
					break
				}
				got = append(got, p)
			}
		}

		if len(got) != len(sent) {
			t.Errorf("Round %d: expected %d packets, got %d", i, len(sent), len(got))
			continue
		}
		for j := range sent {
			samePacket(t, i, sent[j], got[j])
		}
	}
}

// TestFuzzDecoder_CorruptedPackets flips one byte inside a frame and checks
// the decoder rejects it or resynchronizes, then still decodes a clean frame
func TestFuzzDecoder_CorruptedPackets(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		d := NewDecoder()

		wire := MustEncodePacket(randomPacket(rng))
		// Corrupt a random byte (not the opening or closing sync byte)
		idx := rng.Intn(len(wire)-2) + 1
		wire[idx] ^= byte(rng.Intn(255) + 1)

		d.Write(wire)
		for n := 0; n < len(wire); n++ {
			p, err := d.Next()
			if p == nil && err == nil {
				break
			}
		}

		clean := randomPacket(rng)
		d.Write(MustEncodePacket(clean))
		var got *Packet
		for n := 0; n < 4 && got == nil; n++ {
			p, err := d.Next()
			if err == nil && p == nil {
				break
			}
			got = p
		}
		samePacket(t, i, clean, got)
	}
}
