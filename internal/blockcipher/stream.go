// Package blockcipher implements the two cryptographic constructions the
// overlay filesystem builds on: an AES-256-CTR stream cipher for file
// bodies, addressable at arbitrary 16-byte-aligned offsets, and an
// AES-256-GCM codec for path-component names.
package blockcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// AESBlockSize is the AES block size in bytes. A file body's ciphertext is
// always a multiple of this, and every CTR counter addresses one such block.
const AESBlockSize = 16

// NonceSize is the width of a per-file CTR nonce.
const NonceSize = 16

// KeySize is the width of the secret key K.
const KeySize = 32

// Nonce is the per-file base IV chosen once at first write.
type Nonce [NonceSize]byte

// StreamCipher encrypts and decrypts file-body blocks under AES-256-CTR.
// Both directions use the same XORKeyStream call: CTR mode is its own
// inverse.
type StreamCipher struct {
	block cipher.Block
}

// NewStreamCipher constructs a StreamCipher from the 32-byte secret key K.
func NewStreamCipher(key [KeySize]byte) (*StreamCipher, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("blockcipher: new AES cipher: %w", err)
	}
	return &StreamCipher{block: block}, nil
}

// ivAt derives the CTR IV for AES-block counter c: the high 8 bytes of the
// nonce stay fixed, and c is added modulo 2^64 to the low 8 bytes. Wrapping
// uint64 addition matches the spec's "wrapping or checked big-endian
// addition" requirement; a writer and reader that disagree here would
// silently corrupt data, so this is the one piece of arithmetic in the
// package that must never drift from ivAt in any other implementation.
func ivAt(nonce Nonce, c uint64) [NonceSize]byte {
	var iv [NonceSize]byte
	copy(iv[:8], nonce[:8])
	low := binary.BigEndian.Uint64(nonce[8:]) + c
	binary.BigEndian.PutUint64(iv[8:], low)
	return iv
}

// XORKeyStream enciphers or deciphers len(src) bytes of a single AES-block
// run starting at block counter c (c = byteOffset / AESBlockSize). The
// caller is responsible for keeping block-aligned boundaries. Go's
// crypto/cipher CTR implementation increments the full 16-byte IV as one
// big counter, which would carry into the high 8 bytes when the low half
// wraps; the run is therefore split at that wrap point and restarted from
// ivAt, so every block uses exactly the IV ivAt gives for its counter.
func (s *StreamCipher) XORKeyStream(dst, src []byte, nonce Nonce, c uint64) {
	for len(src) > 0 {
		iv := ivAt(nonce, c)
		n := len(src)
		// Blocks left before the low half wraps to zero (0 means 2^64).
		if left := -binary.BigEndian.Uint64(iv[8:]); left != 0 && left < uint64((n+AESBlockSize-1)/AESBlockSize) {
			n = int(left) * AESBlockSize
		}
		cipher.NewCTR(s.block, iv[:]).XORKeyStream(dst[:n], src[:n])
		dst, src, c = dst[n:], src[n:], c+uint64(n/AESBlockSize)
	}
}
