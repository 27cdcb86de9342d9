//go:build linux

package tailer

import (
	"os"
	"syscall"
)

// fileIdent returns the inode so rotation via rename is detected even
// when the replacement file grows past the old offset quickly.
func fileIdent(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
