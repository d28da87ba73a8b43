package sandbox

import (
	"fmt"
	"os"
	"slices"
	"strconv"

	"golang.org/x/sys/unix"
)

// extraFds lists descriptors above stderr that are not in keep. The listing
// completes before the caller closes anything: closing while iterating
// would mutate the directory being listed, and the directory read itself
// holds a descriptor.
func extraFds(keep []int) ([]int, error) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return nil, err
	}

	var fds []int
	for _, entry := range entries {
		fd, err := strconv.Atoi(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("file in /proc/self/fd has non-numeric name %q", entry.Name())
		}
		if fd > 2 && !slices.Contains(keep, fd) {
			fds = append(fds, fd)
		}
	}
	return fds, nil
}

// CloseExtraFds closes every descriptor above stderr except those in keep.
// A badly written launcher may leak private descriptors without CLOEXEC;
// the sandboxed process must not get access to those. Close errors are
// ignored; one of the listed descriptors is the directory handle already
// closed by the listing itself.
func CloseExtraFds(keep ...int) error {
	fds, err := extraFds(keep)
	if err != nil {
		return err
	}
	for _, fd := range fds {
		unix.Close(fd)
	}
	return nil
}
