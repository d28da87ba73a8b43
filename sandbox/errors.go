package sandbox

import (
	"errors"
	"os"
	"syscall"
)

// MountError wraps an errno from a mount operation with enough context to
// produce a readable log line.
type MountError struct {
	Source, Target, Fstype string

	Flags uintptr
	syscall.Errno
}

func (e *MountError) Unwrap() error {
	if e.Errno == 0 {
		return nil
	}
	return e.Errno
}

func (e *MountError) Error() string {
	if e.Flags&syscall.MS_BIND != 0 {
		if e.Flags&syscall.MS_REMOUNT != 0 {
			return "remount " + e.Target + ": " + e.Errno.Error()
		}
		return "bind " + e.Source + " on " + e.Target + ": " + e.Errno.Error()
	}

	if e.Fstype != "" {
		return "mount " + e.Fstype + " on " + e.Target + ": " + e.Errno.Error()
	}

	return "mount " + e.Target + ": " + e.Errno.Error()
}

// mount wraps syscall.Mount for error handling.
func mount(source, target, fstype string, flags uintptr, data string) error {
	err := syscall.Mount(source, target, fstype, flags, data)
	if err == nil {
		return nil
	}

	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return &os.PathError{Op: "mount", Path: target, Err: err}
	}
	return &MountError{source, target, fstype, flags, errno}
}
