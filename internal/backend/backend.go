// Package backend defines the narrow interface every storage backend
// (Encrypted Store, Pass-through Store, and the domain-stack backends
// under internal/store/objectmirror) implements, so the VFS dispatcher in
// internal/dispatcher can route to any of them uniformly.
package backend

import (
	"os"
	"time"
)

// Attr mirrors the subset of POSIX file attributes the dispatcher's host
// adapter contract (spec.md §6) needs to report.
type Attr struct {
	Mode  os.FileMode
	Size  int64
	Mtime time.Time
	Uid   uint32
	Gid   uint32
}

// DirEntry is one decrypted directory listing entry. Entries whose
// encrypted name failed to decode are reported with Name set to the
// literal sentinel "???" per spec.md §4.1.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Statfs mirrors the fields a host adapter needs to answer a statfs call.
type Statfs struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	Namelen uint32
}

// SetattrValid is a bitmask of which Attr fields a Setattr call should
// apply; unset fields must be left untouched.
type SetattrValid uint32

const (
	SetattrMode SetattrValid = 1 << iota
	SetattrUid
	SetattrGid
	SetattrMtime
)

// Handle is an opaque, backend-owned value returned from Create/Open and
// threaded back through Read/Write/Ftruncate/Release. The dispatcher never
// inspects it; it is stored in the handle table alongside the virtual
// path, real path, and open flags (spec.md §3's "Virtual descriptor
// table").
type Handle interface{}

// Backend is the operation set a storage backend must implement. Every
// path argument is relative to the backend's own root (the dispatcher has
// already stripped the matched mount prefix).
type Backend interface {
	// Init verifies the backend is ready to serve (e.g. its backing
	// directory exists) and is called exactly once, at registration time.
	Init() error

	Create(path string, mode os.FileMode) (Handle, error)
	Open(path string, flags int) (Handle, error)
	Read(h Handle, path string, buf []byte, off int64) (int, error)
	Write(h Handle, path string, buf []byte, off int64) (int, error)
	Release(h Handle, path string) error

	Truncate(path string, size int64) error
	Ftruncate(h Handle, path string, size int64) error

	Unlink(path string) error
	Mkdir(path string, mode os.FileMode) error
	Rmdir(path string) error
	Rename(oldPath, newPath string) error
	Readdir(path string) ([]DirEntry, error)

	Getattr(path string) (*Attr, error)
	Setattr(path string, attr *Attr, valid SetattrValid) (*Attr, error)
	Access(path string, mask uint32) error
	Statfs() (*Statfs, error)
}
