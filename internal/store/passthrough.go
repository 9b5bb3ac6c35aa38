package store

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/stefanwerfling/njsfscrypt/internal/backend"
	"github.com/stefanwerfling/njsfscrypt/internal/vfserr"
)

// PassthroughStore forwards every operation to a host directory
// unchanged: no body encryption, no name encryption, no header
// accounting. It implements the same backend.Backend interface as
// EncryptedStore, so it can be registered under any mount prefix
// (spec.md §4.5).
type PassthroughStore struct {
	baseDir string
}

// NewPassthroughStore constructs a PassthroughStore rooted at baseDir.
func NewPassthroughStore(baseDir string) *PassthroughStore {
	return &PassthroughStore{baseDir: baseDir}
}

var _ backend.Backend = (*PassthroughStore)(nil)

func (p *PassthroughStore) Init() error {
	info, err := os.Stat(p.baseDir)
	if err != nil {
		return vfserr.New(vfserr.NotADirectory, "init", p.baseDir, err)
	}
	if !info.IsDir() {
		return vfserr.New(vfserr.NotADirectory, "init", p.baseDir, nil)
	}
	return nil
}

func (p *PassthroughStore) realPath(path string) string {
	parts := splitComponents(path)
	segs := append([]string{p.baseDir}, parts...)
	return filepath.Join(segs...)
}

func (p *PassthroughStore) Create(path string, mode os.FileMode) (backend.Handle, error) {
	if err := validateComponent(lastComponent(path)); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p.realPath(path), os.O_CREATE|os.O_TRUNC|os.O_RDWR, mode)
	if err != nil {
		return nil, vfserr.FromOS("create", path, err)
	}
	return f, nil
}

func (p *PassthroughStore) Open(path string, flags int) (backend.Handle, error) {
	f, err := os.OpenFile(p.realPath(path), flags, 0)
	if err != nil {
		return nil, vfserr.FromOS("open", path, err)
	}
	return f, nil
}

func (p *PassthroughStore) asFile(h backend.Handle, op, path string) (*os.File, error) {
	f, ok := h.(*os.File)
	if !ok {
		return nil, vfserr.New(vfserr.BadFD, op, path, nil)
	}
	return f, nil
}

func (p *PassthroughStore) Read(h backend.Handle, path string, buf []byte, off int64) (int, error) {
	f, err := p.asFile(h, "read", path)
	if err != nil {
		return 0, err
	}
	n, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, vfserr.New(vfserr.IO, "read", path, err)
	}
	return n, nil
}

func (p *PassthroughStore) Write(h backend.Handle, path string, buf []byte, off int64) (int, error) {
	f, err := p.asFile(h, "write", path)
	if err != nil {
		return 0, err
	}
	n, werr := f.WriteAt(buf, off)
	if werr != nil {
		return n, vfserr.New(vfserr.IO, "write", path, werr)
	}
	return n, nil
}

func (p *PassthroughStore) Release(h backend.Handle, path string) error {
	f, err := p.asFile(h, "release", path)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return vfserr.New(vfserr.IO, "release", path, err)
	}
	return nil
}

func (p *PassthroughStore) Truncate(path string, size int64) error {
	if size < 0 {
		return vfserr.New(vfserr.InvalidArgument, "truncate", path, nil)
	}
	if err := os.Truncate(p.realPath(path), size); err != nil {
		return vfserr.FromOS("truncate", path, err)
	}
	return nil
}

func (p *PassthroughStore) Ftruncate(h backend.Handle, path string, size int64) error {
	if size < 0 {
		return vfserr.New(vfserr.InvalidArgument, "ftruncate", path, nil)
	}
	f, err := p.asFile(h, "ftruncate", path)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		return vfserr.New(vfserr.IO, "ftruncate", path, err)
	}
	return nil
}

func (p *PassthroughStore) Unlink(path string) error {
	if err := os.Remove(p.realPath(path)); err != nil {
		return vfserr.FromOS("unlink", path, err)
	}
	return nil
}

func (p *PassthroughStore) Mkdir(path string, mode os.FileMode) error {
	if err := validateComponent(lastComponent(path)); err != nil {
		return err
	}
	if err := os.Mkdir(p.realPath(path), mode); err != nil {
		return vfserr.FromOS("mkdir", path, err)
	}
	return nil
}

func (p *PassthroughStore) Rmdir(path string) error {
	rp := p.realPath(path)
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

func (p *PassthroughStore) Rename(oldPath, newPath string) error {
	if err := os.Rename(p.realPath(oldPath), p.realPath(newPath)); err != nil {
		return vfserr.FromOS("rename", oldPath, err)
	}
	return nil
}

func (p *PassthroughStore) Readdir(path string) ([]backend.DirEntry, error) {
	entries, err := os.ReadDir(p.realPath(path))
	if err != nil {
		return nil, vfserr.FromOS("readdir", path, err)
	}
	out := make([]backend.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, backend.DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return out, nil
}

func (p *PassthroughStore) Getattr(path string) (*backend.Attr, error) {
	info, err := os.Stat(p.realPath(path))
	if err != nil {
		return nil, vfserr.FromOS("getattr", path, err)
	}
	uid, gid := statOwner(info)
	return &backend.Attr{Mode: info.Mode(), Size: info.Size(), Mtime: info.ModTime(), Uid: uid, Gid: gid}, nil
}

func (p *PassthroughStore) Setattr(path string, attr *backend.Attr, valid backend.SetattrValid) (*backend.Attr, error) {
	rp := p.realPath(path)
	if valid&backend.SetattrMode != 0 {
		if err := os.Chmod(rp, attr.Mode); err != nil {
			return nil, vfserr.FromOS("setattr", path, err)
		}
	}
	if valid&(backend.SetattrUid|backend.SetattrGid) != 0 {
		current, err := p.Getattr(path)
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
	return p.Getattr(path)
}

func (p *PassthroughStore) Access(path string, mask uint32) error {
	if _, err := os.Stat(p.realPath(path)); err != nil {
		return vfserr.FromOS("access", path, err)
	}
	return nil
}

func (p *PassthroughStore) Statfs() (*backend.Statfs, error) {
	return statfs(p.baseDir)
}
