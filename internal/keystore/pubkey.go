package keystore

import (
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"math/big"
)

// rsaNumWords is the modulus width in 32-bit words for an RSA-2048 key
// (2048 / 32). The adbd blob format is fixed at this width regardless of
// the actual key size, per spec.md §4.2.
const rsaNumWords = rsaBits / 32

// wordSize is the size, in bytes, of each little-endian word in the
// modulus/rr arrays.
const wordSize = 4

// EncodePublicKeySize is the size in bytes of the fixed-width portion of
// the blob, before the trailing NUL-terminated label.
const EncodePublicKeySize = 4 + 4 + rsaNumWords*wordSize + rsaNumWords*wordSize + 4

// EncodePublicKey renders pub in the adbd RSA public-key wire format:
// a 32-bit word count, a 32-bit Montgomery n0inv, the modulus as
// rsaNumWords little-endian 32-bit words (least-significant word
// first), the Barrett rr = 2^4096 mod n reduction constant in the same
// word layout, a 32-bit exponent, and a trailing NUL-terminated ASCII
// label. See spec.md §4.2 and DESIGN.md for the byte-exact derivation.
func EncodePublicKey(pub *rsa.PublicKey, label string) ([]byte, error) {
	n := pub.N
	if n.Sign() <= 0 || n.BitLen() > rsaBits {
		return nil, fmt.Errorf("keystore: modulus must be a positive RSA-%d value", rsaBits)
	}
	if n.Bit(0) == 0 {
		return nil, fmt.Errorf("keystore: modulus must be odd for Montgomery reduction")
	}

	n0inv := montgomeryN0Inv(n)
	rr := barrettRR(n, rsaNumWords)

	buf := make([]byte, 0, EncodePublicKeySize+len(label)+1)
	buf = appendUint32LE(buf, rsaNumWords)
	buf = appendUint32LE(buf, n0inv)
	buf = appendWordsLE(buf, n, rsaNumWords)
	buf = appendWordsLE(buf, rr, rsaNumWords)
	buf = appendUint32LE(buf, uint32(pub.E))
	buf = append(buf, []byte(label)...)
	buf = append(buf, 0)
	return buf, nil
}

// montgomeryN0Inv computes n0inv = -1/n[0] mod 2^32, where n[0] is the
// least-significant 32-bit word of n (equivalently n mod 2^32).
func montgomeryN0Inv(n *big.Int) uint32 {
	ring := new(big.Int).Lsh(big.NewInt(1), 32) // 2^32
	n0 := new(big.Int).Mod(n, ring)
	inv := new(big.Int).ModInverse(n0, ring)
	neg := new(big.Int).Sub(ring, inv)
	neg.Mod(neg, ring)
	return uint32(neg.Uint64())
}

// barrettRR computes rr = R^2 mod n where R = 2^(32*words), i.e. for
// words=64 this is 2^4096 mod n, matching spec.md's Barrett reduction
// constant.
func barrettRR(n *big.Int, words int) *big.Int {
	r := new(big.Int).Lsh(big.NewInt(1), uint(32*words))
	rr := new(big.Int).Mul(r, r)
	rr.Mod(rr, n)
	return rr
}

func appendUint32LE(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// appendWordsLE renders v as `words` 32-bit little-endian words, least
// significant word first, zero-padded on the high end.
func appendWordsLE(buf []byte, v *big.Int, words int) []byte {
	// big.Int.Bytes() returns big-endian, most-significant byte first,
	// with no leading zero padding; left-pad to a whole number of words.
	raw := v.Bytes()
	total := words * wordSize
	padded := make([]byte, total)
	copy(padded[total-len(raw):], raw)

	out := buf
	for w := 0; w < words; w++ {
		// The w'th least-significant word occupies the last
		// (w+1)*wordSize bytes of padded, read big-endian, then
		// stored little-endian.
		start := total - (w+1)*wordSize
		word := padded[start : start+wordSize]
		out = append(out, word[3], word[2], word[1], word[0])
	}
	return out
}
