package blockcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrInvalidName is returned when a path component fails to decode: the
// base64 token is malformed, too short to hold a tag, or the GCM tag does
// not verify. Callers in readdir paths surface this as the literal
// sentinel "???" rather than aborting the listing; callers on the lookup
// path treat it as fatal.
var ErrInvalidName = errors.New("blockcipher: invalid encrypted name")

// nameNonceSize is the GCM nonce width used for name encoding. It is fixed
// at all zero bytes: deterministic encoding is required so a path
// component can be looked up by name without a side index, at the cost of
// leaking equality of component names across the tree (see spec.md §9).
const nameNonceSize = 12

var zeroNameNonce = make([]byte, nameNonceSize)

// NameCodec encodes and decodes individual path components with
// AES-256-GCM under a fixed all-zero nonce.
type NameCodec struct {
	aead cipher.AEAD
}

// NewNameCodec constructs a NameCodec from the same 32-byte secret key K
// used by the body stream cipher.
func NewNameCodec(key [KeySize]byte) (*NameCodec, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("blockcipher: new AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("blockcipher: new GCM: %w", err)
	}
	return &NameCodec{aead: aead}, nil
}

// Encode encrypts a single path component (no "/" allowed) into a
// URL-safe, unpadded base64 token whose decoded bytes are tag(16) ||
// ciphertext.
func (c *NameCodec) Encode(name string) string {
	sealed := c.aead.Seal(nil, zeroNameNonce, []byte(name), nil)
	tagLen := c.aead.Overhead()
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	out := make([]byte, 0, len(sealed))
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return base64.RawURLEncoding.EncodeToString(out)
}

// Decode reverses Encode, verifying the GCM tag. It returns
// ErrInvalidName if the token is malformed or the tag does not verify.
func (c *NameCodec) Decode(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalidName
	}
	tagLen := c.aead.Overhead()
	if len(raw) < tagLen {
		return "", ErrInvalidName
	}
	tag := raw[:tagLen]
	ciphertext := raw[tagLen:]

	sealed := make([]byte, 0, len(raw))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plain, err := c.aead.Open(nil, zeroNameNonce, sealed, nil)
	if err != nil {
		return "", ErrInvalidName
	}
	return string(plain), nil
}
