// Package keyscramble emulates the 3DS AES key scrambler engine used to
// derive per-container AES-CTR/CMAC keys from a keyslot's X/Y pair, and
// the movable.sed key-hash naming scheme used to name derived ExtData
// containers on the host filesystem.
package keyscramble

import "crypto/sha256"

func lrot128(a [16]byte, rot uint) [16]byte {
	var out [16]byte
	byteShift := rot / 8
	bitShift := rot % 8
	for i := range out {
		wa := (uint(i) + byteShift) % 16
		wb := (uint(i) + byteShift + 1) % 16
		out[i] = a[wa]<<bitShift | a[wb]>>(8-bitShift)
	}
	return out
}

func add128(a, b [16]byte) [16]byte {
	var out [16]byte
	var carry uint32
	for i := 15; i >= 0; i-- {
		sum := uint32(a[i]) + uint32(b[i]) + carry
		carry = sum >> 8
		out[i] = byte(sum)
	}
	return out
}

func xor128(a, b [16]byte) [16]byte {
	var out [16]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

var scrambler = [16]byte{
	0x1F, 0xF9, 0xE9, 0xAA, 0xC5, 0xFE, 0x04, 0x08, 0x02, 0x45, 0x91, 0xDC, 0x5D, 0x52, 0x76, 0x8A,
}

// Scramble derives a 128-bit AES key from a keyslot's X and Y values
// following the 3DS key scrambler: lrot128(add128(xor128(lrot128(x,2),y),
// scrambler), 87).
func Scramble(x, y [16]byte) [16]byte {
	return lrot128(add128(xor128(lrot128(x, 2), y), scrambler), 87)
}

// HashMovable derives the lowercase hex directory name the 3DS uses to
// identify an ExtData container on SD, from a movable.sed key: the first
// 16 bytes of the key's SHA-256 digest, taken as four 32-bit words and
// each byte-swapped (3DS stores the hash as little-endian words rather
// than the raw big-endian digest bytes) before hex-encoding, giving 32
// hex characters.
func HashMovable(key [16]byte) string {
	hash := sha256.Sum256(key[:])
	order := [16]int{3, 2, 1, 0, 7, 6, 5, 4, 11, 10, 9, 8, 15, 14, 13, 12}
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, 64)
	for _, idx := range order {
		b := hash[idx]
		out = append(out, hexDigits[b>>4], hexDigits[b&0xF])
	}
	return string(out)
}
