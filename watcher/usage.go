package watcher

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// diskUsage describes one directory child's contribution to the total.
type diskUsage struct {
	path  string
	bytes uint64
	isDir bool
}

// statSize approximates the metadata overhead of one directory entry.
const statSize = uint64(unsafe.Sizeof(unix.Stat_t{}))

// getDiskUsage estimates the on-disk footprint of the named child of
// parent. This is not exactly the file size: it is rounded up to the block
// size, amortized across hard links, and padded with per-entry metadata
// overhead. A child that no longer exists reports zero; the watcher relies
// on that to notice deletions.
func getDiskUsage(parent, name string) (diskUsage, error) {
	path := name
	if parent != "" {
		path = parent + "/" + name
	}

	var stat unix.Stat_t
	for {
		err := unix.Lstat(path, &stat)
		if err == nil {
			break
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.ENOENT, unix.ENOTDIR:
			// File no longer exists, or a parent directory was replaced.
			return diskUsage{path: path}, nil
		default:
			return diskUsage{}, fmt.Errorf("lstat %s: %w", path, err)
		}
	}

	// Round up to the nearest block; assume 4k blocks. Divide by the link
	// count so files with many hard links are not overcounted; the count
	// can legitimately be zero for entries mid-deletion.
	bytes := (uint64(stat.Size) + 4095) &^ 4095
	nlink := uint64(stat.Nlink)
	if nlink < 1 {
		nlink = 1
	}
	bytes /= nlink

	// Approximate the directory entry overhead: the stat record plus the
	// NUL-terminated name rounded up to a word.
	bytes += statSize + ((uint64(len(name)) + 8) &^ 7)

	return diskUsage{
		path:  path,
		bytes: bytes,
		isDir: stat.Mode&unix.S_IFMT == unix.S_IFDIR,
	}, nil
}
