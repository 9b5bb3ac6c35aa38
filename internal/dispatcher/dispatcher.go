package dispatcher

import (
	"log"
	"os"
	"time"

	"github.com/stefanwerfling/njsfscrypt/internal/backend"
	"github.com/stefanwerfling/njsfscrypt/internal/handle"
)

// Dispatcher is the VFS dispatcher: it owns the backend registry and the
// virtual descriptor table, and exposes exactly the operation set spec.md
// §4.4 names to a host adapter. Every operation runs on Queue's single
// task runner.
type Dispatcher struct {
	registry *Registry
	handles  *handle.Table
	queue    *Queue
	sink     handle.StatsSink
	debug    bool
}

// New constructs a Dispatcher over an empty registry. Backends must be
// registered with Register before any path resolves.
func New() *Dispatcher {
	return &Dispatcher{
		registry: NewRegistry(),
		handles:  handle.NewTable(),
		queue:    NewQueue(),
		sink:     handle.NoopSink{},
	}
}

// SetStatsSink installs the sink notified when a descriptor is released.
// The default is handle.NoopSink.
func (d *Dispatcher) SetStatsSink(sink handle.StatsSink) {
	d.sink = sink
}

// SetDebug toggles per-operation debug logging.
func (d *Dispatcher) SetDebug(debug bool) {
	d.debug = debug
}

// Register adds a (prefix, backend) route, calling the backend's Init
// exactly once (spec.md §4.4).
func (d *Dispatcher) Register(prefix string, b backend.Backend) error {
	return d.registry.Register(prefix, b)
}

// Close drains the task runner. Call once, after every mount has
// unmounted.
func (d *Dispatcher) Close() {
	d.queue.Close()
}

func (d *Dispatcher) logf(op, path string, format string, args ...interface{}) {
	if !d.debug {
		return
	}
	log.Printf("dispatcher: %s %s: "+format, append([]interface{}{op, path}, args...)...)
}

// exec runs fn on the task runner and returns whatever err it reports.
// A failure is always logged with an "error" tag; a success is logged only
// when debug logging is on.
func (d *Dispatcher) exec(op, path string, fn func() error) error {
	var err error
	d.queue.Submit(func() {
		err = fn()
	})
	if err != nil {
		log.Printf("dispatcher: error: %s %s: %v", op, path, err)
	} else {
		d.logf(op, path, "ok")
	}
	return err
}

// Open resolves path to a backend, opens it with flags, and allocates a
// descriptor.
func (d *Dispatcher) Open(path string, flags int) (uint64, error) {
	var fd uint64
	err := d.exec("open", path, func() error {
		b, rel, rerr := d.registry.Resolve(path)
		if rerr != nil {
			return rerr
		}
		native, oerr := b.Open(rel, flags)
		if oerr != nil {
			return oerr
		}
		fd = d.handles.Alloc(&handle.Entry{Backend: b, Native: native, VirtualPath: path, RealPath: rel, Flags: flags})
		return nil
	})
	return fd, err
}

// Create resolves path to a backend, creates it, and allocates a
// descriptor.
func (d *Dispatcher) Create(path string, mode os.FileMode) (uint64, error) {
	var fd uint64
	err := d.exec("create", path, func() error {
		b, rel, rerr := d.registry.Resolve(path)
		if rerr != nil {
			return rerr
		}
		native, cerr := b.Create(rel, mode)
		if cerr != nil {
			return cerr
		}
		fd = d.handles.Alloc(&handle.Entry{Backend: b, Native: native, VirtualPath: path, RealPath: rel})
		return nil
	})
	return fd, err
}

// Read reads len(buf) bytes from fd at off, recording latency statistics
// against the descriptor.
func (d *Dispatcher) Read(fd uint64, buf []byte, off int64) (int, error) {
	var n int
	err := d.exec("read", "", func() error {
		e, gerr := d.handles.Get(fd)
		if gerr != nil {
			return gerr
		}
		start := time.Now()
		var rerr error
		n, rerr = e.Backend.Read(e.Native, e.RealPath, buf, off)
		if rerr == nil {
			e.Stats.RecordRead(n, time.Since(start))
		}
		return rerr
	})
	return n, err
}

// Write writes buf to fd at off, recording latency statistics against the
// descriptor.
func (d *Dispatcher) Write(fd uint64, buf []byte, off int64) (int, error) {
	var n int
	err := d.exec("write", "", func() error {
		e, gerr := d.handles.Get(fd)
		if gerr != nil {
			return gerr
		}
		start := time.Now()
		var werr error
		n, werr = e.Backend.Write(e.Native, e.RealPath, buf, off)
		if werr == nil {
			e.Stats.RecordWrite(n, time.Since(start))
		}
		return werr
	})
	return n, err
}

// Release closes fd's native handle, notifies the stats sink with its
// final snapshot, and frees the descriptor.
func (d *Dispatcher) Release(fd uint64) error {
	return d.exec("release", "", func() error {
		e, gerr := d.handles.Get(fd)
		if gerr != nil {
			return gerr
		}
		rerr := e.Backend.Release(e.Native, e.RealPath)
		d.sink.RecordRelease(fd, e.VirtualPath, e.Stats.Snapshot())
		if ferr := d.handles.Free(fd); ferr != nil {
			return ferr
		}
		return rerr
	})
}

// Truncate resolves path to a backend and truncates it.
func (d *Dispatcher) Truncate(path string, size int64) error {
	return d.exec("truncate", path, func() error {
		b, rel, rerr := d.registry.Resolve(path)
		if rerr != nil {
			return rerr
		}
		return b.Truncate(rel, size)
	})
}

// Ftruncate truncates an already-open descriptor.
func (d *Dispatcher) Ftruncate(fd uint64, size int64) error {
	return d.exec("ftruncate", "", func() error {
		e, gerr := d.handles.Get(fd)
		if gerr != nil {
			return gerr
		}
		return e.Backend.Ftruncate(e.Native, e.RealPath, size)
	})
}

// Unlink resolves path to a backend and removes it.
func (d *Dispatcher) Unlink(path string) error {
	return d.exec("unlink", path, func() error {
		b, rel, rerr := d.registry.Resolve(path)
		if rerr != nil {
			return rerr
		}
		return b.Unlink(rel)
	})
}

// Mkdir resolves path to a backend and creates the directory.
func (d *Dispatcher) Mkdir(path string, mode os.FileMode) error {
	return d.exec("mkdir", path, func() error {
		b, rel, rerr := d.registry.Resolve(path)
		if rerr != nil {
			return rerr
		}
		return b.Mkdir(rel, mode)
	})
}

// Rmdir resolves path to a backend and removes the (empty) directory.
func (d *Dispatcher) Rmdir(path string) error {
	return d.exec("rmdir", path, func() error {
		b, rel, rerr := d.registry.Resolve(path)
		if rerr != nil {
			return rerr
		}
		return b.Rmdir(rel)
	})
}

// Rename resolves both endpoints. If they land on the same backend, the
// rename is a single backend-relative call. If they land on different
// backends, the source backend is called with the source-relative path
// and the destination path rebased into the destination backend's
// namespace when that resolves, or left unmodified otherwise (spec.md
// §4.4); the source backend is free to fail with a backend-specific
// error (e.g. cross-device) in that case.
func (d *Dispatcher) Rename(oldPath, newPath string) error {
	return d.exec("rename", oldPath, func() error {
		srcBackend, srcRel, serr := d.registry.Resolve(oldPath)
		if serr != nil {
			return serr
		}
		_, dstRel, derr := d.registry.Resolve(newPath)
		if derr != nil {
			// Destination has no registered backend of its own; fall back
			// to the unmodified destination path.
			return srcBackend.Rename(srcRel, newPath)
		}
		return srcBackend.Rename(srcRel, dstRel)
	})
}

// Readdir resolves path to a backend and lists its entries.
func (d *Dispatcher) Readdir(path string) ([]backend.DirEntry, error) {
	var entries []backend.DirEntry
	err := d.exec("readdir", path, func() error {
		b, rel, rerr := d.registry.Resolve(path)
		if rerr != nil {
			return rerr
		}
		var lerr error
		entries, lerr = b.Readdir(rel)
		return lerr
	})
	return entries, err
}

// Getattr resolves path to a backend and reports its attributes.
func (d *Dispatcher) Getattr(path string) (*backend.Attr, error) {
	var attr *backend.Attr
	err := d.exec("getattr", path, func() error {
		b, rel, rerr := d.registry.Resolve(path)
		if rerr != nil {
			return rerr
		}
		var gerr error
		attr, gerr = b.Getattr(rel)
		return gerr
	})
	return attr, err
}

// Setattr resolves path to a backend and applies the requested attribute
// changes.
func (d *Dispatcher) Setattr(path string, attr *backend.Attr, valid backend.SetattrValid) (*backend.Attr, error) {
	var out *backend.Attr
	err := d.exec("setattr", path, func() error {
		b, rel, rerr := d.registry.Resolve(path)
		if rerr != nil {
			return rerr
		}
		var serr error
		out, serr = b.Setattr(rel, attr, valid)
		return serr
	})
	return out, err
}

// Access resolves path to a backend and checks accessibility.
func (d *Dispatcher) Access(path string, mask uint32) error {
	return d.exec("access", path, func() error {
		b, rel, rerr := d.registry.Resolve(path)
		if rerr != nil {
			return rerr
		}
		return b.Access(rel, mask)
	})
}

// Statfs resolves path (typically the mount root, "/") to a backend and
// reports its filesystem statistics.
func (d *Dispatcher) Statfs(path string) (*backend.Statfs, error) {
	var st *backend.Statfs
	err := d.exec("statfs", path, func() error {
		b, _, rerr := d.registry.Resolve(path)
		if rerr != nil {
			return rerr
		}
		var serr error
		st, serr = b.Statfs()
		return serr
	})
	return st, err
}
