package store

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/stefanwerfling/njsfscrypt/internal/blockcipher"
)

// MetaSize is the fixed 24-byte on-disk header: an 8-byte big-endian
// plaintext size followed by a 16-byte nonce (spec.md §3).
const MetaSize = 8 + blockcipher.NonceSize

// header is the in-memory view of an encrypted file's META region.
type header struct {
	size  uint64
	nonce blockcipher.Nonce
}

// newNonce draws a fresh random per-file nonce. It is chosen exactly once,
// at the moment a header is first written, and never mutated afterward.
func newNonce() (blockcipher.Nonce, error) {
	var n blockcipher.Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("store: generate nonce: %w", err)
	}
	return n, nil
}

// readHeader reads the META region from f. The second return value is
// false if the backing file is shorter than MetaSize — the file is empty
// or was never written, which is not an error (spec.md §4.2: "if the file
// has no header yet returns empty").
func readHeader(f *os.File) (*header, bool, error) {
	buf := make([]byte, MetaSize)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	if n < MetaSize {
		return nil, false, nil
	}
	h := &header{size: binary.BigEndian.Uint64(buf[0:8])}
	copy(h.nonce[:], buf[8:MetaSize])
	return h, true, nil
}

// writeHeader writes the full META region (size and nonce together). Used
// when a header is first created, and by truncate, which rewrites the
// file's existing nonce unchanged alongside the new size; Write updates
// only the size field, via writeSize.
func writeHeader(f *os.File, h *header) error {
	buf := make([]byte, MetaSize)
	binary.BigEndian.PutUint64(buf[0:8], h.size)
	copy(buf[8:MetaSize], h.nonce[:])
	_, err := f.WriteAt(buf, 0)
	return err
}

// writeSize rewrites only the 8-byte size field. Every write operation
// rewrites the body first and the size last (spec.md §4.2's ordering
// guarantee), and this is the "last" step.
func writeSize(f *os.File, size uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, size)
	_, err := f.WriteAt(buf, 0)
	return err
}

// ceilToBlock rounds n up to the next multiple of blockcipher.AESBlockSize.
func ceilToBlock(n int64) int64 {
	const a = blockcipher.AESBlockSize
	return ((n + a - 1) / a) * a
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
