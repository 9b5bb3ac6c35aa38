package main

import (
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/stefanwerfling/njsfscrypt/internal/blockcipher"
)

var hexKeyPattern = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// parseHexKey validates and decodes a hex-encoded key per spec.md §6:
// it must match ^[0-9a-fA-F]+$, have even length, and decode to exactly
// blockcipher.KeySize bytes.
func parseHexKey(s string) ([blockcipher.KeySize]byte, error) {
	var key [blockcipher.KeySize]byte
	if !hexKeyPattern.MatchString(s) {
		return key, fmt.Errorf("key must match ^[0-9a-fA-F]+$")
	}
	if len(s)%2 != 0 {
		return key, fmt.Errorf("key must have even length")
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("decode hex key: %w", err)
	}
	if len(decoded) != blockcipher.KeySize {
		return key, fmt.Errorf("key must decode to %d bytes, got %d", blockcipher.KeySize, len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}
