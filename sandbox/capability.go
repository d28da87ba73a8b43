package sandbox

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const _LINUX_CAPABILITY_VERSION_3 = 0x20080522

type (
	capHeader struct {
		version uint32
		pid     int32
	}

	capData struct {
		effective   uint32
		permitted   uint32
		inheritable uint32
	}
)

func capset(hdrp *capHeader, datap *[2]capData) error {
	if _, _, errno := syscall.Syscall(syscall.SYS_CAPSET,
		uintptr(unsafe.Pointer(hdrp)),
		uintptr(unsafe.Pointer(&datap[0])), 0); errno != 0 {
		return errno
	}
	return nil
}

// DropPrivileges zeroes every capability bitmap of the calling process and
// tightens umask so grain data stays private to the owner and group. This
// runs post-fork in both the supervisor and the app: the app stage needs
// one final unshare before it can give up CAP_SYS_ADMIN.
func DropPrivileges() error {
	if err := capset(
		&capHeader{version: _LINUX_CAPABILITY_VERSION_3},
		new([2]capData),
	); err != nil {
		return err
	}
	unix.Umask(0007)
	return nil
}

const (
	// SUID_DUMP_DISABLE is the process undumpable state.
	SUID_DUMP_DISABLE = iota
	// SUID_DUMP_USER is the process dumpable state.
	SUID_DUMP_USER
)

// setDumpable sets the process dumpable attribute. Writing the user
// namespace maps requires the process to be dumpable.
func setDumpable(dumpable uintptr) error {
	return unix.Prctl(unix.PR_SET_DUMPABLE, dumpable, 0, 0, 0)
}
