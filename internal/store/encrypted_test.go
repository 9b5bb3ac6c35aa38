package store

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stefanwerfling/njsfscrypt/internal/backend"
	"github.com/stefanwerfling/njsfscrypt/internal/blockcipher"
)

func newTestStore(t *testing.T, blockSize int64) *EncryptedStore {
	t.Helper()
	dir := t.TempDir()
	var key [blockcipher.KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	s, err := NewEncryptedStore(dir, blockSize, key)
	if err != nil {
		t.Fatalf("NewEncryptedStore: %v", err)
	}
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func mustWrite(t *testing.T, s *EncryptedStore, path string, data []byte, off int64) {
	t.Helper()
	h, err := s.Create(path, 0644)
	if err != nil {
		t.Fatalf("Create(%s): %v", path, err)
	}
	if _, err := s.Write(h, path, data, off); err != nil {
		t.Fatalf("Write(%s): %v", path, err)
	}
	if err := s.Release(h, path); err != nil {
		t.Fatalf("Release(%s): %v", path, err)
	}
}

func mustRead(t *testing.T, s *EncryptedStore, path string, n int, off int64) []byte {
	t.Helper()
	h, err := s.Open(path, os.O_RDWR)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	defer s.Release(h, path)
	buf := make([]byte, n)
	got, err := s.Read(h, path, buf, off)
	if err != nil {
		t.Fatalf("Read(%s): %v", path, err)
	}
	return buf[:got]
}

// P1: round-trip.
func TestP1RoundTrip(t *testing.T) {
	s := newTestStore(t, DefaultBlockSize)
	data := make([]byte, 4096)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	mustWrite(t, s, "/a.bin", data, 0)
	got := mustRead(t, s, "/a.bin", len(data), 0)
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch")
	}
}

// P2: write-beyond-end zero-fills.
func TestP2WriteBeyondEndZeroFills(t *testing.T) {
	s := newTestStore(t, DefaultBlockSize)
	mustWrite(t, s, "/b.bin", []byte("hello"), 0) // L = 5
	delta := int64(10)
	more := []byte("world")
	h, err := s.Open("/b.bin", os.O_RDWR)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Write(h, "/b.bin", more, 5+delta); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Release(h, "/b.bin")

	gap := mustRead(t, s, "/b.bin", int(delta), 5)
	if !bytes.Equal(gap, bytes.Repeat([]byte{0}, int(delta))) {
		t.Fatalf("gap not zero-filled: %v", gap)
	}
	tail := mustRead(t, s, "/b.bin", len(more), 5+delta)
	if !bytes.Equal(tail, more) {
		t.Fatalf("tail mismatch: got %q want %q", tail, more)
	}
}

// P3: random-access overwrite.
func TestP3RandomAccessOverwrite(t *testing.T) {
	s := newTestStore(t, DefaultBlockSize)
	original := []byte("aaaaaaaaaa")
	mustWrite(t, s, "/c.bin", original, 0)

	h, err := s.Open("/c.bin", os.O_RDWR)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Write(h, "/c.bin", []byte("BBB"), 3); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Release(h, "/c.bin")

	got := mustRead(t, s, "/c.bin", len(original), 0)
	want := []byte("aaaBBBaaaa")
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

// P4: block-boundary irrelevance — cross-B read/write compatibility.
func TestP4BlockBoundaryIrrelevance(t *testing.T) {
	dir := t.TempDir()
	var key [blockcipher.KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	writer, err := NewEncryptedStore(dir, 32, key) // small B, multiple of AES_BLOCK
	if err != nil {
		t.Fatalf("NewEncryptedStore(writer): %v", err)
	}
	if err := writer.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	data := bytes.Repeat([]byte("0123456789abcdef"), 20) // 320 bytes
	mustWrite(t, writer, "/d.bin", data, 0)

	reader, err := NewEncryptedStore(dir, 65536, key) // different B, same backing store
	if err != nil {
		t.Fatalf("NewEncryptedStore(reader): %v", err)
	}
	got := mustRead(t, reader, "/d.bin", len(data), 0)
	if !bytes.Equal(got, data) {
		t.Fatalf("cross-block-size read mismatch")
	}
}

// P5: nonce stability across open/close cycles.
func TestP5NonceStability(t *testing.T) {
	s := newTestStore(t, DefaultBlockSize)
	mustWrite(t, s, "/e.bin", []byte("stable"), 0)

	rp := s.realPath("/e.bin")
	before, err := os.ReadFile(rp)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	nonceBefore := append([]byte{}, before[8:MetaSize]...)

	for i := 0; i < 3; i++ {
		h, err := s.Open("/e.bin", os.O_RDWR)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		_ = mustRead(t, s, "/e.bin", 6, 0)
		s.Release(h, "/e.bin")
	}

	after, err := os.ReadFile(rp)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	nonceAfter := after[8:MetaSize]
	if !bytes.Equal(nonceBefore, nonceAfter) {
		t.Fatalf("nonce changed across open/close cycles")
	}
}

// P7: truncate shrinks.
func TestP7TruncateShrinks(t *testing.T) {
	s := newTestStore(t, DefaultBlockSize)
	pattern := bytes.Repeat([]byte{0xAB}, 128*1024)
	mustWrite(t, s, "/f.bin", pattern, 0)

	if err := s.Truncate("/f.bin", 100); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	got := mustRead(t, s, "/f.bin", 200, 0)
	if len(got) != 100 {
		t.Fatalf("got %d bytes, want 100", len(got))
	}
	if !bytes.Equal(got, pattern[:100]) {
		t.Fatalf("truncated content mismatch")
	}

	rp := s.realPath("/f.bin")
	info, err := os.Stat(rp)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() > int64(MetaSize+112) {
		t.Fatalf("backing body length %d exceeds expected bound", info.Size()-MetaSize)
	}
}

// Scenario 1 from spec.md §8: create-write-read, fixed header bytes.
func TestScenarioCreateWriteReadHeaderBytes(t *testing.T) {
	dir := t.TempDir()
	var key [blockcipher.KeySize]byte // all-zero key
	s, err := NewEncryptedStore(dir, DefaultBlockSize, key)
	if err != nil {
		t.Fatalf("NewEncryptedStore: %v", err)
	}
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	mustWrite(t, s, "/a.txt", []byte("hello"), 0)

	got := mustRead(t, s, "/a.txt", 5, 0)
	if string(got) != "hello" {
		t.Fatalf("got %q want %q", got, "hello")
	}

	raw, err := os.ReadFile(s.realPath("/a.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := []byte{0, 0, 0, 0, 0, 0, 0, 5}
	if !bytes.Equal(raw[:8], want) {
		t.Fatalf("header size bytes = %v, want %v", raw[:8], want)
	}
}

// Scenario 4: directory encryption — one encrypted entry, decodes to the
// expected plaintext name.
func TestScenarioDirectoryEncryption(t *testing.T) {
	s := newTestStore(t, DefaultBlockSize)
	if err := s.Mkdir("/folder", 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d backing entries, want 1", len(entries))
	}
	plain := decodeName(s.names, entries[0].Name())
	if plain != "folder" {
		t.Fatalf("decoded name = %q, want %q", plain, "folder")
	}

	listed, err := s.Readdir("/")
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	if len(listed) != 1 || listed[0].Name != "folder" || !listed[0].IsDir {
		t.Fatalf("Readdir(/) = %+v, want [{folder true}]", listed)
	}
}

func TestRmdirRefusesNonEmpty(t *testing.T) {
	s := newTestStore(t, DefaultBlockSize)
	if err := s.Mkdir("/full", 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	mustWrite(t, s, "/full/x.txt", []byte("x"), 0)
	if err := s.Rmdir("/full"); err == nil {
		t.Fatal("expected Rmdir on non-empty directory to fail")
	}
}

func TestCreateFailsWithoutParent(t *testing.T) {
	s := newTestStore(t, DefaultBlockSize)
	if _, err := s.Create("/missing/child.txt", 0644); err == nil {
		t.Fatal("expected Create under missing parent to fail")
	}
}

func TestReadUnwrittenFileReturnsEmpty(t *testing.T) {
	s := newTestStore(t, DefaultBlockSize)
	h, err := s.Create("/empty.bin", 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Release(h, "/empty.bin")

	got := mustRead(t, s, "/empty.bin", 10, 0)
	if len(got) != 0 {
		t.Fatalf("expected empty read, got %d bytes", len(got))
	}
}

func TestGetattrReportsLogicalSize(t *testing.T) {
	s := newTestStore(t, DefaultBlockSize)
	mustWrite(t, s, "/g.bin", bytes.Repeat([]byte{1}, 300), 0)

	attr, err := s.Getattr("/g.bin")
	if err != nil {
		t.Fatalf("Getattr: %v", err)
	}
	if attr.Size != 300 {
		t.Fatalf("Size = %d, want 300", attr.Size)
	}
}

func TestEncryptedStoreInterface(t *testing.T) {
	var _ backend.Backend = &EncryptedStore{}
}

func TestFileNameTokensAreEncrypted(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "plain-name-should-not-exist")
	s := &EncryptedStore{baseDir: dir}
	var key [blockcipher.KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	var err error
	s.names, err = blockcipher.NewNameCodec(key)
	if err != nil {
		t.Fatalf("NewNameCodec: %v", err)
	}
	rp := s.realPath("/plain-name-should-not-exist")
	if rp == full {
		t.Fatalf("backing path must not equal the plaintext path")
	}
}
