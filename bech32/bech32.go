// Package bech32 implements the bech32 checksum encoding used by nostr's
// npub/nsec/nchal identifiers (and, more generally, by BIP-173), plus the
// 8-bit-to-5-bit regrouping helper needed before encoding arbitrary byte
// strings such as a challenge or a raw public key.
//
// Grounded on the calling convention visible in
// kwsantiago-orly/protocol/socketapi/challenge.go (ConvertForBech32 then
// Encode(hrp, data)); reimplemented from the public BIP-173 algorithm since
// no ecosystem bech32 module appears in the retrieved pack (see DESIGN.md).
package bech32

import (
	"hypertuna.dev/errorf"
	"strings"
)

const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var charsetRev = func() [128]int8 {
	var t [128]int8
	for i := range t {
		t[i] = -1
	}
	for i, c := range charset {
		t[c] = int8(i)
	}
	return t
}()

func polymod(values []byte) uint32 {
	gen := [5]uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := uint32(1)
	for _, v := range values {
		b := byte(chk >> 25)
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i := 0; i < 5; i++ {
			if (b>>uint(i))&1 == 1 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func hrpExpand(hrp []byte) []byte {
	out := make([]byte, 0, len(hrp)*2+1)
	for _, c := range hrp {
		out = append(out, c>>5)
	}
	out = append(out, 0)
	for _, c := range hrp {
		out = append(out, c&31)
	}
	return out
}

func createChecksum(hrp, data []byte) []byte {
	values := append(hrpExpand(hrp), data...)
	values = append(values, 0, 0, 0, 0, 0, 0)
	mod := polymod(values) ^ 1
	out := make([]byte, 6)
	for i := 0; i < 6; i++ {
		out[i] = byte((mod >> uint(5*(5-i))) & 31)
	}
	return out
}

func verifyChecksum(hrp, data []byte) bool {
	return polymod(append(hrpExpand(hrp), data...)) == 1
}

// Encode renders hrp (lowercase, e.g. "npub", "nsec", "nchal") and a slice of
// 5-bit groups (see ConvertBits) into the bech32 text form.
func Encode(hrp, data []byte) (out []byte, err error) {
	if !isLower(hrp) {
		err = errorf.E("bech32: hrp must be lowercase, got %q", hrp)
		return
	}
	combined := append(append([]byte{}, data...), createChecksum(hrp, data)...)
	var sb strings.Builder
	sb.Write(hrp)
	sb.WriteByte('1')
	for _, b := range combined {
		if int(b) >= len(charset) {
			err = errorf.E("bech32: invalid 5-bit value %d", b)
			return
		}
		sb.WriteByte(charset[b])
	}
	out = []byte(sb.String())
	return
}

// Decode parses a bech32 string into its human-readable part and its 5-bit
// data groups (checksum stripped), verifying the checksum.
func Decode(s string) (hrp string, data []byte, err error) {
	s = strings.ToLower(s)
	pos := strings.LastIndexByte(s, '1')
	if pos < 1 || pos+7 > len(s) {
		err = errorf.E("bech32: invalid separator position in %q", s)
		return
	}
	hrp = s[:pos]
	dataPart := s[pos+1:]
	data = make([]byte, len(dataPart))
	for i := 0; i < len(dataPart); i++ {
		c := dataPart[i]
		if c >= 128 || charsetRev[c] == -1 {
			err = errorf.E("bech32: invalid character %q", c)
			return
		}
		data[i] = byte(charsetRev[c])
	}
	if !verifyChecksum([]byte(hrp), data) {
		err = errorf.E("bech32: checksum mismatch for %q", s)
		return
	}
	data = data[:len(data)-6]
	return
}

func isLower(b []byte) bool {
	for _, c := range b {
		if c >= 'A' && c <= 'Z' {
			return false
		}
	}
	return true
}

// ConvertBits regroups a byte slice between bit-widths (8->5 before
// encoding, 5->8 after decoding), as specified by BIP-173.
func ConvertBits(data []byte, fromBits, toBits uint, pad bool) (out []byte, err error) {
	acc, bits := uint32(0), uint(0)
	maxv := uint32(1<<toBits) - 1
	for _, value := range data {
		if uint32(value)>>fromBits != 0 {
			err = errorf.E("bech32: invalid data range for %d-bit input", fromBits)
			return
		}
		acc = acc<<fromBits | uint32(value)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte(acc>>bits)&byte(maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(toBits-bits))&byte(maxv))
		}
	} else if bits >= fromBits || (acc<<(toBits-bits))&maxv != 0 {
		err = errorf.E("bech32: invalid padding")
		return
	}
	return
}

// ConvertForBech32 is a convenience wrapper for the common
// ConvertBits(data, 8, 5, true) call needed before Encode.
func ConvertForBech32(data []byte) ([]byte, error) { return ConvertBits(data, 8, 5, true) }

// EncodeFromBytes converts raw bytes to 5-bit groups and bech32-encodes them
// under hrp in one step -- the common case for npub/nsec/nchal.
func EncodeFromBytes(hrp string, data []byte) (s string, err error) {
	var grouped []byte
	if grouped, err = ConvertForBech32(data); err != nil {
		return
	}
	var out []byte
	if out, err = Encode([]byte(hrp), grouped); err != nil {
		return
	}
	s = string(out)
	return
}

// DecodeToBytes is the inverse of EncodeFromBytes.
func DecodeToBytes(s string) (hrp string, data []byte, err error) {
	var grouped []byte
	if hrp, grouped, err = Decode(s); err != nil {
		return
	}
	data, err = ConvertBits(grouped, 5, 8, false)
	return
}
