//go:build !unix

package watcher

import "io/fs"

// Without inode numbers renames pair with the oldest unpaired RenamedFrom.
func identityOf(fs.FileInfo) Identity {
	return Identity{}
}
