//go:build unix

package watcher

import (
	"io/fs"
	"syscall"
)

func identityOf(info fs.FileInfo) Identity {
	if info == nil {
		return Identity{}
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return Identity{}
	}
	return Identity{Dev: uint64(stat.Dev), Ino: uint64(stat.Ino)}
}
