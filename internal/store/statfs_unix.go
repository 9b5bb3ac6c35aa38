//go:build unix

package store

import (
	"golang.org/x/sys/unix"

	"github.com/stefanwerfling/njsfscrypt/internal/backend"
	"github.com/stefanwerfling/njsfscrypt/internal/vfserr"
)

// statfs reports the real statistics of the backing filesystem hosting
// dir, resolving spec.md §9's Open Question in favor of real values over
// a constant placeholder.
func statfs(dir string) (*backend.Statfs, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return nil, vfserr.New(vfserr.IO, "statfs", dir, err)
	}
	return &backend.Statfs{
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Bsize:   uint32(st.Bsize),
		Namelen: uint32(st.Namelen),
	}, nil
}
