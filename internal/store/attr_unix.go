//go:build unix

package store

import (
	"os"
	"syscall"
)

// statOwner extracts the uid/gid of a *os.FileInfo on unix platforms,
// where FUSE (and therefore this whole package) actually runs.
func statOwner(info os.FileInfo) (uid, gid uint32) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Uid, st.Gid
	}
	return 0, 0
}
