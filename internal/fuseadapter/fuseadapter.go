// Package fuseadapter is the host adapter contract of spec.md §6,
// concretely implemented against bazil.org/fuse: it translates that
// library's node-based callbacks into calls against the dispatcher's flat
// operation set, and nothing else in this repository imports
// bazil.org/fuse directly.
package fuseadapter

import (
	"context"
	"log"
	"os"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/stefanwerfling/njsfscrypt/internal/backend"
	"github.com/stefanwerfling/njsfscrypt/internal/dispatcher"
	"github.com/stefanwerfling/njsfscrypt/internal/vfserr"
)

// errno maps a dispatcher error onto the taxonomy's syscall.Errno, which
// bazil.org/fuse accepts directly as a node method's returned error.
func errno(err error) error {
	if err == nil {
		return nil
	}
	return vfserr.Errno(err)
}

// FS is the fuse.FS root: the mount-wide entry point bazil.org/fuse calls
// Root() on once per mount.
type FS struct {
	dispatcher *dispatcher.Dispatcher
}

var _ fs.FS = (*FS)(nil)
var _ fs.FSStatfser = (*FS)(nil)

// New wraps an already-populated dispatcher (backends registered) as a
// fuse.FS.
func New(d *dispatcher.Dispatcher) *FS {
	return &FS{dispatcher: d}
}

func (f *FS) Root() (fs.Node, error) {
	return &Dir{dispatcher: f.dispatcher, path: "/"}, nil
}

func (f *FS) Statfs(ctx context.Context, req *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	st, err := f.dispatcher.Statfs("/")
	if err != nil {
		return errno(err)
	}
	resp.Blocks = st.Blocks
	resp.Bfree = st.Bfree
	resp.Bavail = st.Bavail
	resp.Files = st.Files
	resp.Ffree = st.Ffree
	resp.Bsize = st.Bsize
	resp.Namelen = st.Namelen
	resp.Frsize = st.Bsize
	return nil
}

// Dir represents a directory node. Path is mount-relative and always
// starts with "/".
type Dir struct {
	dispatcher *dispatcher.Dispatcher
	path       string
}

var _ fs.Node = (*Dir)(nil)
var _ fs.NodeStringLookuper = (*Dir)(nil)
var _ fs.HandleReadDirAller = (*Dir)(nil)
var _ fs.NodeSetattrer = (*Dir)(nil)
var _ fs.NodeMkdirer = (*Dir)(nil)
var _ fs.NodeCreater = (*Dir)(nil)
var _ fs.NodeRemover = (*Dir)(nil)
var _ fs.NodeAccesser = (*Dir)(nil)

func childPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func (d *Dir) Attr(ctx context.Context, a *fuse.Attr) error {
	attr, err := d.dispatcher.Getattr(d.path)
	if err != nil {
		return errno(err)
	}
	a.Mode = os.ModeDir | attr.Mode
	a.Size = uint64(attr.Size)
	a.Mtime = attr.Mtime
	a.Uid = attr.Uid
	a.Gid = attr.Gid
	return nil
}

func (d *Dir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	path := childPath(d.path, name)
	attr, err := d.dispatcher.Getattr(path)
	if err != nil {
		return nil, errno(err)
	}
	if attr.Mode.IsDir() {
		return &Dir{dispatcher: d.dispatcher, path: path}, nil
	}
	return &File{dispatcher: d.dispatcher, path: path}, nil
}

func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	entries, err := d.dispatcher.Readdir(d.path)
	if err != nil {
		return nil, errno(err)
	}
	dirents := make([]fuse.Dirent, 0, len(entries))
	for _, e := range entries {
		dt := fuse.DT_File
		if e.IsDir {
			dt = fuse.DT_Dir
		}
		dirents = append(dirents, fuse.Dirent{Name: e.Name, Type: dt})
	}
	return dirents, nil
}

func applySetattr(ctx context.Context, d *dispatcher.Dispatcher, path string, req *fuse.SetattrRequest) (*backend.Attr, error) {
	var valid backend.SetattrValid
	attr := &backend.Attr{}
	if req.Valid.Mode() {
		valid |= backend.SetattrMode
		attr.Mode = req.Mode
	}
	if req.Valid.Uid() {
		valid |= backend.SetattrUid
		attr.Uid = req.Uid
	}
	if req.Valid.Gid() {
		valid |= backend.SetattrGid
		attr.Gid = req.Gid
	}
	if req.Valid.Mtime() {
		valid |= backend.SetattrMtime
		attr.Mtime = req.Mtime
	}
	if valid == 0 {
		return d.Getattr(path)
	}
	return d.Setattr(path, attr, valid)
}

func (d *Dir) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	attr, err := applySetattr(ctx, d.dispatcher, d.path, req)
	if err != nil {
		return errno(err)
	}
	resp.Attr.Mode = os.ModeDir | attr.Mode
	resp.Attr.Size = uint64(attr.Size)
	resp.Attr.Mtime = attr.Mtime
	resp.Attr.Uid = attr.Uid
	resp.Attr.Gid = attr.Gid
	return nil
}

func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	path := childPath(d.path, req.Name)
	if err := d.dispatcher.Mkdir(path, req.Mode); err != nil {
		return nil, errno(err)
	}
	return &Dir{dispatcher: d.dispatcher, path: path}, nil
}

func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	path := childPath(d.path, req.Name)
	fd, err := d.dispatcher.Create(path, req.Mode)
	if err != nil {
		return nil, nil, errno(err)
	}
	file := &File{dispatcher: d.dispatcher, path: path, fd: fd, open: true}
	resp.Handle = fuse.HandleID(fd)
	return file, file, nil
}

func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	path := childPath(d.path, req.Name)
	if req.Dir {
		return errno(d.dispatcher.Rmdir(path))
	}
	return errno(d.dispatcher.Unlink(path))
}

func (d *Dir) Access(ctx context.Context, req *fuse.AccessRequest) error {
	return errno(d.dispatcher.Access(d.path, req.Mask))
}

// File represents a file node. A node may be looked up without being
// open; fd/open only become meaningful once Open or Create has run.
type File struct {
	dispatcher *dispatcher.Dispatcher
	path       string
	fd         uint64
	open       bool
}

var _ fs.Node = (*File)(nil)
var _ fs.NodeOpener = (*File)(nil)
var _ fs.HandleReader = (*File)(nil)
var _ fs.HandleWriter = (*File)(nil)
var _ fs.NodeSetattrer = (*File)(nil)
var _ fs.NodeAccesser = (*File)(nil)
var _ fs.HandleReleaser = (*File)(nil)

func (f *File) Attr(ctx context.Context, a *fuse.Attr) error {
	attr, err := f.dispatcher.Getattr(f.path)
	if err != nil {
		return errno(err)
	}
	a.Mode = attr.Mode
	a.Size = uint64(attr.Size)
	a.Mtime = attr.Mtime
	a.Uid = attr.Uid
	a.Gid = attr.Gid
	return nil
}

func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	fd, err := f.dispatcher.Open(f.path, int(req.Flags))
	if err != nil {
		return nil, errno(err)
	}
	opened := &File{dispatcher: f.dispatcher, path: f.path, fd: fd, open: true}
	resp.Handle = fuse.HandleID(fd)
	return opened, nil
}

func (f *File) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	if !f.open {
		return errno(vfserr.New(vfserr.BadFD, "read", f.path, nil))
	}
	buf := make([]byte, req.Size)
	n, err := f.dispatcher.Read(f.fd, buf, req.Offset)
	if err != nil {
		return errno(err)
	}
	resp.Data = buf[:n]
	return nil
}

func (f *File) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	if !f.open {
		return errno(vfserr.New(vfserr.BadFD, "write", f.path, nil))
	}
	n, err := f.dispatcher.Write(f.fd, req.Data, req.Offset)
	if err != nil {
		return errno(err)
	}
	resp.Size = n
	return nil
}

func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		var terr error
		if f.open {
			terr = f.dispatcher.Ftruncate(f.fd, int64(req.Size))
		} else {
			terr = f.dispatcher.Truncate(f.path, int64(req.Size))
		}
		if terr != nil {
			return errno(terr)
		}
	}
	attr, err := applySetattr(ctx, f.dispatcher, f.path, req)
	if err != nil {
		return errno(err)
	}
	resp.Attr.Mode = attr.Mode
	resp.Attr.Size = uint64(attr.Size)
	resp.Attr.Mtime = attr.Mtime
	resp.Attr.Uid = attr.Uid
	resp.Attr.Gid = attr.Gid
	return nil
}

func (f *File) Access(ctx context.Context, req *fuse.AccessRequest) error {
	return errno(f.dispatcher.Access(f.path, req.Mask))
}

func (f *File) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	if !f.open {
		return nil
	}
	return errno(f.dispatcher.Release(f.fd))
}

// Mount blocks serving the mount at mountpoint until it is unmounted.
func Mount(mountpoint string, d *dispatcher.Dispatcher) error {
	c, err := fuse.Mount(
		mountpoint,
		fuse.FSName("njsfscrypt"),
		fuse.Subtype("njsfscrypt"),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	log.Printf("mounted encrypted filesystem at %s", mountpoint)
	start := time.Now()
	err = fs.Serve(c, New(d))
	log.Printf("unmounted %s after %s", mountpoint, time.Since(start))
	return err
}
