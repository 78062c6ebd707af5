//go:build unix

package platform

import (
	"io/fs"
	"syscall"
)

// Owner returns the numeric owner and group of a file.
func Owner(info fs.FileInfo) (uid, gid uint32) {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Uid, stat.Gid
	}
	return 0, 0
}
