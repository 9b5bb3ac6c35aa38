// Package handle implements the virtual descriptor table: the mapping
// from opaque positive integer file descriptors to open backing-file
// entries, plus the per-handle latency statistics attached to each one.
package handle

import (
	"sync"

	"github.com/stefanwerfling/njsfscrypt/internal/backend"
	"github.com/stefanwerfling/njsfscrypt/internal/vfserr"
)

// Entry is everything the dispatcher remembers about one live descriptor:
// the backend that owns it, its opaque native handle, and the virtual and
// real paths it was opened against.
type Entry struct {
	Backend     backend.Backend
	Native      backend.Handle
	VirtualPath string
	RealPath    string
	Flags       int
	Stats       *Stats
}

// Table allocates descriptors monotonically starting at 1 and never
// reuses one while it is still live (spec.md §4.3).
type Table struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
	next    uint64
}

// NewTable constructs an empty table whose first allocated descriptor is 1.
func NewTable() *Table {
	return &Table{
		entries: make(map[uint64]*Entry),
		next:    1,
	}
}

// Alloc registers entry under a freshly minted descriptor and returns it.
func (t *Table) Alloc(entry *Entry) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	entry.Stats = NewStats()
	t.entries[fd] = entry
	return fd
}

// Get looks up a live descriptor. It fails with vfserr.BadFD if fd was
// never allocated or has already been freed.
func (t *Table) Get(fd uint64) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fd]
	if !ok {
		return nil, vfserr.New(vfserr.BadFD, "get", "", nil)
	}
	return e, nil
}

// Free deletes a descriptor. Freeing an already-freed or unknown
// descriptor fails with vfserr.BadFD rather than silently succeeding, so
// double-release bugs surface immediately.
func (t *Table) Free(fd uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[fd]; !ok {
		return vfserr.New(vfserr.BadFD, "free", "", nil)
	}
	delete(t.entries, fd)
	return nil
}

// Len reports the number of live descriptors.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
