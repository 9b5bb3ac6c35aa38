// Package store implements the two core filesystem backends: the
// Encrypted Store (this file) and the Pass-through Store
// (passthrough.go), both satisfying internal/backend.Backend.
package store

import (
	"io"
	"os"

	"github.com/stefanwerfling/njsfscrypt/internal/backend"
	"github.com/stefanwerfling/njsfscrypt/internal/blockcipher"
	"github.com/stefanwerfling/njsfscrypt/internal/vfserr"
)

// DefaultBlockSize is the plaintext block size B used by the random-access
// read/modify/write loop when a mount doesn't override it (spec.md §4.2).
const DefaultBlockSize = 64 * 1024

// EncryptedStore is the core backend: every file's contents and every
// path component's name are encrypted under a single key.
type EncryptedStore struct {
	baseDir   string
	blockSize int64
	stream    *blockcipher.StreamCipher
	names     *blockcipher.NameCodec
}

// NewEncryptedStore constructs an EncryptedStore rooted at baseDir. The
// same 256-bit key K parameterizes both the body stream cipher and the
// name codec directly (spec.md §3) — K is never derived from or expanded
// into anything else, so the on-disk body and name token bytes match any
// other implementation keyed the same way.
func NewEncryptedStore(baseDir string, blockSize int64, key [blockcipher.KeySize]byte) (*EncryptedStore, error) {
	if blockSize <= 0 || blockSize%blockcipher.AESBlockSize != 0 {
		return nil, vfserr.New(vfserr.InvalidArgument, "new-encrypted-store", baseDir, nil)
	}
	stream, err := blockcipher.NewStreamCipher(key)
	if err != nil {
		return nil, err
	}
	names, err := blockcipher.NewNameCodec(key)
	if err != nil {
		return nil, err
	}
	return &EncryptedStore{baseDir: baseDir, blockSize: blockSize, stream: stream, names: names}, nil
}

var _ backend.Backend = (*EncryptedStore)(nil)

// fileHandle is the native backend.Handle returned by Create/Open. The
// dispatcher only ever threads it back to this backend; it never
// inspects its contents (spec.md §3).
type fileHandle struct {
	file   *os.File
	header *header
}

// Init verifies the backing directory exists, per spec.md §4.4's
// registration contract.
func (s *EncryptedStore) Init() error {
	info, err := os.Stat(s.baseDir)
	if err != nil {
		return vfserr.New(vfserr.NotADirectory, "init", s.baseDir, err)
	}
	if !info.IsDir() {
		return vfserr.New(vfserr.NotADirectory, "init", s.baseDir, nil)
	}
	return nil
}

func (s *EncryptedStore) realPath(path string) string {
	return encryptedPath(s.baseDir, s.names, path)
}

// Create opens (create+truncate+read-write) the backing path, writes a
// fresh header (S=0, random N), and returns a new handle.
func (s *EncryptedStore) Create(path string, mode os.FileMode) (backend.Handle, error) {
	if err := validateComponent(lastComponent(path)); err != nil {
		return nil, err
	}
	rp := s.realPath(path)
	f, err := os.OpenFile(rp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, mode)
	if err != nil {
		return nil, vfserr.FromOS("create", path, err)
	}
	nonce, err := newNonce()
	if err != nil {
		f.Close()
		return nil, err
	}
	hdr := &header{size: 0, nonce: nonce}
	if err := writeHeader(f, hdr); err != nil {
		f.Close()
		return nil, vfserr.New(vfserr.IO, "create", path, err)
	}
	return &fileHandle{file: f, header: hdr}, nil
}

// Open opens the backing path with the supplied host flags. It does not
// touch the header — that happens lazily on the first write, or on
// demand when Read/Getattr needs S.
func (s *EncryptedStore) Open(path string, flags int) (backend.Handle, error) {
	rp := s.realPath(path)
	f, err := os.OpenFile(rp, flags, 0)
	if err != nil {
		return nil, vfserr.FromOS("open", path, err)
	}
	return &fileHandle{file: f}, nil
}

// loadHeader returns fh's cached header, reading it from disk on first
// use. hasHeader is false if the backing file is shorter than MetaSize.
func (s *EncryptedStore) loadHeader(fh *fileHandle) (*header, bool, error) {
	if fh.header != nil {
		return fh.header, true, nil
	}
	hdr, ok, err := readHeader(fh.file)
	if err != nil {
		return nil, false, vfserr.New(vfserr.IO, "read-header", "", err)
	}
	if ok {
		fh.header = hdr
	}
	return hdr, ok, nil
}

// Read implements the random-access read side of spec.md §4.2's
// read/modify/write algorithm.
func (s *EncryptedStore) Read(h backend.Handle, path string, buf []byte, off int64) (int, error) {
	fh, ok := h.(*fileHandle)
	if !ok {
		return 0, vfserr.New(vfserr.BadFD, "read", path, nil)
	}
	hdr, hasHeader, err := s.loadHeader(fh)
	if err != nil {
		return 0, err
	}
	if !hasHeader {
		return 0, nil
	}
	size := int64(hdr.size)
	if off >= size {
		return 0, nil
	}
	end := off + int64(len(buf))
	if end > size {
		end = size
	}
	if end <= off {
		return 0, nil
	}

	B := s.blockSize
	for blockStart := (off / B) * B; blockStart < end; blockStart += B {
		blockEnd := blockStart + B
		readStart := max64(off, blockStart)
		readEnd := min64(end, blockEnd)
		if readStart >= readEnd {
			continue
		}

		cipherLen := min64(ceilToBlock(readEnd-blockStart), size-blockStart)
		if cipherLen <= 0 {
			continue
		}
		cipherStart := int64(MetaSize) + blockStart

		ciphertext := make([]byte, cipherLen)
		n, rerr := fh.file.ReadAt(ciphertext, cipherStart)
		if rerr != nil && rerr != io.EOF {
			return 0, vfserr.New(vfserr.IO, "read", path, rerr)
		}
		// A short read from the backing file leaves the missing tail as
		// zeros in plaintext, per spec.md §4.2 step 3.
		plain := make([]byte, cipherLen)
		s.stream.XORKeyStream(plain[:n], ciphertext[:n], hdr.nonce, uint64(blockStart/blockcipher.AESBlockSize))

		segStart := readStart - blockStart
		segEnd := readEnd - blockStart
		copy(buf[readStart-off:readEnd-off], plain[segStart:segEnd])
	}
	return int(end - off), nil
}

// Write implements the random-access write side of spec.md §4.2's
// read/modify/write algorithm: the body is rewritten block by block, then
// the size field is rewritten last.
func (s *EncryptedStore) Write(h backend.Handle, path string, buf []byte, off int64) (int, error) {
	fh, ok := h.(*fileHandle)
	if !ok {
		return 0, vfserr.New(vfserr.BadFD, "write", path, nil)
	}
	hdr, hasHeader, err := s.loadHeader(fh)
	if err != nil {
		return 0, err
	}
	if !hasHeader {
		nonce, nerr := newNonce()
		if nerr != nil {
			return 0, nerr
		}
		hdr = &header{size: 0, nonce: nonce}
		if werr := writeHeader(fh.file, hdr); werr != nil {
			return 0, vfserr.New(vfserr.IO, "write", path, werr)
		}
		fh.header = hdr
	}
	if len(buf) == 0 {
		return 0, nil
	}

	newSize := max64(int64(hdr.size), off+int64(len(buf)))
	B := s.blockSize
	startBlock := (off / B) * B
	endBlock := ((off + int64(len(buf)) - 1) / B) * B
	oldSize := int64(hdr.size)

	for blockStart := startBlock; blockStart <= endBlock; blockStart += B {
		blockEnd := blockStart + B
		needed := ceilToBlock(max64(blockEnd, off+int64(len(buf))) - blockStart)

		existingLen := oldSize - blockStart
		if existingLen < 0 {
			existingLen = 0
		}
		if existingLen > needed {
			existingLen = needed
		}

		cipherStart := int64(MetaSize) + blockStart
		plain := make([]byte, needed)
		if existingLen > 0 {
			existingCipher := make([]byte, existingLen)
			n, rerr := fh.file.ReadAt(existingCipher, cipherStart)
			if rerr != nil && rerr != io.EOF {
				return 0, vfserr.New(vfserr.IO, "write", path, rerr)
			}
			s.stream.XORKeyStream(plain[:n], existingCipher[:n], hdr.nonce, uint64(blockStart/blockcipher.AESBlockSize))
		}

		overlayStart := max64(off, blockStart)
		overlayEnd := min64(off+int64(len(buf)), blockEnd)
		if overlayStart < overlayEnd {
			srcStart := overlayStart - off
			srcEnd := overlayEnd - off
			dstStart := overlayStart - blockStart
			copy(plain[dstStart:dstStart+(srcEnd-srcStart)], buf[srcStart:srcEnd])
		}

		cipherOut := make([]byte, needed)
		s.stream.XORKeyStream(cipherOut, plain, hdr.nonce, uint64(blockStart/blockcipher.AESBlockSize))
		if _, werr := fh.file.WriteAt(cipherOut, cipherStart); werr != nil {
			return 0, vfserr.New(vfserr.IO, "write", path, werr)
		}
	}

	hdr.size = uint64(newSize)
	fh.header = hdr
	if err := writeSize(fh.file, hdr.size); err != nil {
		return 0, vfserr.New(vfserr.IO, "write", path, err)
	}
	return len(buf), nil
}

// Release closes the backing file handle.
func (s *EncryptedStore) Release(h backend.Handle, path string) error {
	fh, ok := h.(*fileHandle)
	if !ok {
		return vfserr.New(vfserr.BadFD, "release", path, nil)
	}
	if err := fh.file.Close(); err != nil {
		return vfserr.New(vfserr.IO, "release", path, err)
	}
	return nil
}

// Truncate rewrites S and shrinks the physical body if it is now longer
// than ceil(size/AES_BLOCK)*AES_BLOCK requires. Growing never
// pre-allocates.
func (s *EncryptedStore) Truncate(path string, size int64) error {
	if size < 0 {
		return vfserr.New(vfserr.InvalidArgument, "truncate", path, nil)
	}
	rp := s.realPath(path)
	f, err := os.OpenFile(rp, os.O_RDWR, 0)
	if err != nil {
		return vfserr.FromOS("truncate", path, err)
	}
	defer f.Close()
	return s.truncateFile(f, path, size)
}

// Ftruncate is Truncate against an already-open handle.
func (s *EncryptedStore) Ftruncate(h backend.Handle, path string, size int64) error {
	if size < 0 {
		return vfserr.New(vfserr.InvalidArgument, "ftruncate", path, nil)
	}
	fh, ok := h.(*fileHandle)
	if !ok {
		return vfserr.New(vfserr.BadFD, "ftruncate", path, nil)
	}
	if err := s.truncateFile(fh.file, path, size); err != nil {
		return err
	}
	fh.header = nil
	return nil
}

func (s *EncryptedStore) truncateFile(f *os.File, path string, size int64) error {
	hdr, hasHeader, err := readHeader(f)
	if err != nil {
		return vfserr.New(vfserr.IO, "truncate", path, err)
	}
	if !hasHeader {
		nonce, nerr := newNonce()
		if nerr != nil {
			return nerr
		}
		hdr = &header{nonce: nonce}
	}
	hdr.size = uint64(size)
	if err := writeHeader(f, hdr); err != nil {
		return vfserr.New(vfserr.IO, "truncate", path, err)
	}

	physical, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return vfserr.New(vfserr.IO, "truncate", path, err)
	}
	wantPhysical := int64(MetaSize) + ceilToBlock(size)
	if physical > wantPhysical {
		if err := f.Truncate(wantPhysical); err != nil {
			return vfserr.New(vfserr.IO, "truncate", path, err)
		}
	}
	return nil
}

// Unlink removes a file's backing path.
func (s *EncryptedStore) Unlink(path string) error {
	if err := os.Remove(s.realPath(path)); err != nil {
		return vfserr.FromOS("unlink", path, err)
	}
	return nil
}

// Mkdir creates a directory's backing path.
func (s *EncryptedStore) Mkdir(path string, mode os.FileMode) error {
	if err := validateComponent(lastComponent(path)); err != nil {
		return err
	}
	if err := os.Mkdir(s.realPath(path), mode); err != nil {
		return vfserr.FromOS("mkdir", path, err)
	}
	return nil
}

// Rmdir removes a directory's backing path, refusing if it is not empty.
func (s *EncryptedStore) Rmdir(path string) error {
	rp := s.realPath(path)
	entries, err := os.ReadDir(rp)
	if err != nil {
		return vfserr.FromOS("rmdir", path, err)
	}
	if len(entries) > 0 {
		return vfserr.New(vfserr.NotEmpty, "rmdir", path, nil)
	}
	if err := os.Remove(rp); err != nil {
		return vfserr.FromOS("rmdir", path, err)
	}
	return nil
}

// Rename renames a backing path. The dispatcher is responsible for
// cross-backend rebasing (spec.md §4.4); this method only ever sees two
// paths within its own namespace.
func (s *EncryptedStore) Rename(oldPath, newPath string) error {
	if err := os.Rename(s.realPath(oldPath), s.realPath(newPath)); err != nil {
		return vfserr.FromOS("rename", oldPath, err)
	}
	return nil
}

// Readdir lists a directory's backing entries, decrypting each name.
// Entries whose name fails to decode are reported as "???" rather than
// aborting the listing.
func (s *EncryptedStore) Readdir(path string) ([]backend.DirEntry, error) {
	rp := s.realPath(path)
	entries, err := os.ReadDir(rp)
	if err != nil {
		return nil, vfserr.FromOS("readdir", path, err)
	}
	out := make([]backend.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, backend.DirEntry{Name: decodeName(s.names, e.Name()), IsDir: e.IsDir()})
	}
	return out, nil
}

// Getattr reports a file or directory's attributes. For a regular file,
// the logical size comes from the header's S field, not the physical
// backing size.
func (s *EncryptedStore) Getattr(path string) (*backend.Attr, error) {
	rp := s.realPath(path)
	info, err := os.Stat(rp)
	if err != nil {
		return nil, vfserr.FromOS("getattr", path, err)
	}
	uid, gid := statOwner(info)
	attr := &backend.Attr{Mode: info.Mode(), Mtime: info.ModTime(), Uid: uid, Gid: gid}
	if info.IsDir() {
		attr.Size = info.Size()
		return attr, nil
	}
	f, err := os.Open(rp)
	if err != nil {
		return nil, vfserr.FromOS("getattr", path, err)
	}
	defer f.Close()
	hdr, ok, err := readHeader(f)
	if err != nil {
		return nil, vfserr.New(vfserr.IO, "getattr", path, err)
	}
	if ok {
		attr.Size = int64(hdr.size)
	}
	return attr, nil
}

// Setattr applies mode/uid/gid/mtime changes directly to the backing
// path.
func (s *EncryptedStore) Setattr(path string, attr *backend.Attr, valid backend.SetattrValid) (*backend.Attr, error) {
	rp := s.realPath(path)
	if valid&backend.SetattrMode != 0 {
		if err := os.Chmod(rp, attr.Mode); err != nil {
			return nil, vfserr.FromOS("setattr", path, err)
		}
	}
	if valid&(backend.SetattrUid|backend.SetattrGid) != 0 {
		current, err := s.Getattr(path)
		if err != nil {
			return nil, err
		}
		uid, gid := int(current.Uid), int(current.Gid)
		if valid&backend.SetattrUid != 0 {
			uid = int(attr.Uid)
		}
		if valid&backend.SetattrGid != 0 {
			gid = int(attr.Gid)
		}
		if err := os.Chown(rp, uid, gid); err != nil {
			return nil, vfserr.FromOS("setattr", path, err)
		}
	}
	if valid&backend.SetattrMtime != 0 {
		if err := os.Chtimes(rp, attr.Mtime, attr.Mtime); err != nil {
			return nil, vfserr.FromOS("setattr", path, err)
		}
	}
	return s.Getattr(path)
}

// Access checks the backing path exists; real permission enforcement is
// left to the host kernel's own access control on the mount.
func (s *EncryptedStore) Access(path string, mask uint32) error {
	if _, err := os.Stat(s.realPath(path)); err != nil {
		return vfserr.FromOS("access", path, err)
	}
	return nil
}

// Statfs reports the backing filesystem's real statistics.
func (s *EncryptedStore) Statfs() (*backend.Statfs, error) {
	return statfs(s.baseDir)
}
