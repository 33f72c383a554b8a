// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pakbus

// CalcSignature computes the CSI signature of data using the standard seed
func CalcSignature(data []byte) uint16 {
	return CalcSignatureSeed(data, signatureSeed)
}

// CalcSignatureSeed computes the CSI signature of data starting from seed.
// Feeding the result back as the seed continues a signature over more data.
func CalcSignatureSeed(data []byte, seed uint16) uint16 {
	sig := seed
	for _, b := range data {
		j := sig
		sig = (sig << 1) & 0x01FF
		if sig >= 0x0100 {
			sig++
		}
		sig = ((sig + (j >> 8) + uint16(b)) & 0x00FF) | (j << 8)
	}
	return sig
}

// CalcNullifier returns the two bytes that, appended to data whose signature
// is sig, bring the signature of the whole to zero.
func CalcNullifier(sig uint16) [2]byte {
	var out [2]byte
	for i := range out {
		seed := (sig << 1) & 0x01FF
		if seed >= 0x0100 {
			seed++
		}
		out[i] = byte(0x0100 - (seed+(sig>>8))&0x00FF)
		sig = CalcSignatureSeed(out[i:i+1], sig)
	}
	return out
}
