package dispatcher

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stefanwerfling/njsfscrypt/internal/backend"
	"github.com/stefanwerfling/njsfscrypt/internal/handle"
	"github.com/stefanwerfling/njsfscrypt/internal/store"
	"github.com/stefanwerfling/njsfscrypt/internal/vfserr"
)

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, string, string) {
	t.Helper()
	rootDir := t.TempDir()
	cryptDir := rootDir + "/crypt"
	plainDir := rootDir + "/plain"
	mustMkdir(t, cryptDir)
	mustMkdir(t, plainDir)

	d := New()
	p := store.NewPassthroughStore(plainDir)
	if err := d.Register("/plain", p); err != nil {
		t.Fatalf("Register(/plain): %v", err)
	}
	e := store.NewPassthroughStore(cryptDir)
	if err := d.Register("/", e); err != nil {
		t.Fatalf("Register(/): %v", err)
	}
	t.Cleanup(d.Close)
	return d, cryptDir, plainDir
}

// P8: longest-prefix wins.
func TestP8LongestPrefixWins(t *testing.T) {
	d, _, plainDir := newTestDispatcher(t)

	fd, err := d.Create("/plain/a.txt", 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := d.Write(fd, []byte("x"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Release(fd); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := os.Stat(plainDir + "/a.txt"); err != nil {
		t.Fatalf("expected /plain/a.txt to land in plainDir: %v", err)
	}
}

func TestRootFallsThroughToDefaultBackend(t *testing.T) {
	d, cryptDir, _ := newTestDispatcher(t)

	fd, err := d.Create("/b.txt", 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d.Release(fd)

	if _, err := os.Stat(cryptDir + "/b.txt"); err != nil {
		t.Fatalf("expected /b.txt to land in cryptDir: %v", err)
	}
}

func TestUnresolvedPathFailsNoBackend(t *testing.T) {
	d := New()
	t.Cleanup(d.Close)
	if _, err := d.Getattr("/anything"); !vfserr.Is(err, vfserr.NoBackend) {
		t.Fatalf("Getattr on empty registry error = %v, want no-backend", err)
	}
}

// P9: per-(path,fd) statistics are recorded and removed on release.
func TestP9StatisticsRecordedAndRemovedOnRelease(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	recorded := make(chan handle.Snapshot, 1)
	d.SetStatsSink(sinkFunc(func(fd uint64, path string, snap handle.Snapshot) {
		recorded <- snap
	}))

	fd, err := d.Create("/c.txt", 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	data := []byte("hello world")
	if _, err := d.Write(fd, data, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, len(data))
	if _, err := d.Read(fd, buf, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("got %q want %q", buf, data)
	}
	if err := d.Release(fd); err != nil {
		t.Fatalf("Release: %v", err)
	}

	select {
	case snap := <-recorded:
		if snap.WriteOps != 1 || snap.ReadOps != 1 {
			t.Fatalf("snap = %+v, want 1 write op and 1 read op", snap)
		}
		if snap.TotalWriteBytes != uint64(len(data)) {
			t.Fatalf("TotalWriteBytes = %d, want %d", snap.TotalWriteBytes, len(data))
		}
	case <-time.After(time.Second):
		t.Fatal("stats sink was never notified")
	}

	if _, err := d.Read(fd, buf, 0); !vfserr.Is(err, vfserr.BadFD) {
		t.Fatalf("Read after Release error = %v, want bad-fd", err)
	}
}

func TestGetattrReportsAttributes(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	fd, err := d.Create("/d.txt", 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := d.Write(fd, []byte("abcde"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	d.Release(fd)

	attr, err := d.Getattr("/d.txt")
	if err != nil {
		t.Fatalf("Getattr: %v", err)
	}
	if attr.Size != 5 {
		t.Fatalf("Size = %d, want 5", attr.Size)
	}
}

func TestRenameWithinSameBackend(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	fd, err := d.Create("/e.txt", 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d.Release(fd)

	if err := d.Rename("/e.txt", "/f.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := d.Getattr("/f.txt"); err != nil {
		t.Fatalf("Getattr(/f.txt): %v", err)
	}
	if _, err := d.Getattr("/e.txt"); !vfserr.Is(err, vfserr.NotFound) {
		t.Fatalf("Getattr(/e.txt) error = %v, want not-found", err)
	}
}

type sinkFunc func(fd uint64, path string, snap handle.Snapshot)

func (f sinkFunc) RecordRelease(fd uint64, path string, snap handle.Snapshot) {
	f(fd, path, snap)
}

var _ backend.Backend = (*store.PassthroughStore)(nil)
