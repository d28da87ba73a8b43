package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ScratchDir is the mount point the grain filesystem is assembled on. It is
// created during path validation and becomes anonymous after pivot_root.
const ScratchDir = "/tmp/grainhost-grain"

// bind mounts source on target and applies flags with a second remount
// pass. Contrary to the mount(2) documentation claiming otherwise since
// 2.6.26, mountflags are ignored on the initial bind.
func bind(source, target string, flags uintptr) error {
	if err := mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return err
	}
	return mount(source, target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_NOSUID|flags, "")
}

// deviceNode simulates a device node inside the dev tmpfs. Creating a real
// node with mknod will not work on any current kernel, and the tmpfs is
// nodev anyway, so a regular-file mount point is bind-mounted from the real
// host device instead.
func deviceNode(name, realName string) error {
	dst := "dev/" + name
	if err := unix.Mknod(dst, unix.S_IFREG|0666, 0); err != nil {
		return fmt.Errorf("cannot create %s: %w", dst, err)
	}
	return mount("/dev/"+realName, dst, "", unix.MS_BIND, "")
}

// setupInnerMounts populates the optional mount points the package exposes
// as empty anchors. The caller must have chdir'd into the assembled root.
// The returned flag reports whether a /proc bind was left in place for the
// app stage to finish after it is in the right pid namespace.
func setupInnerMounts(varPath string, mountProc bool) (bool, error) {
	if err := unix.Access("tmp", unix.F_OK); err == nil {
		// A fresh tmpfs for this run. Not a shared instance: tmpfs has no
		// quota control, and a private mount disappears with the mount
		// namespace on exit, so no recursive delete is ever needed.
		if err := mount("grainhost-tmp", "tmp", "tmpfs", unix.MS_NOSUID,
			"size=16m,nr_inodes=4k,mode=770"); err != nil {
			return false, err
		}
	}

	if err := unix.Access("dev", unix.F_OK); err == nil {
		if err := mount("grainhost-dev", "dev", "tmpfs",
			unix.MS_NOATIME|unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV,
			"size=1m,nr_inodes=16,mode=755"); err != nil {
			return false, err
		}
		if err := deviceNode("null", "null"); err != nil {
			return false, err
		}
		if err := deviceNode("zero", "zero"); err != nil {
			return false, err
		}
		if err := deviceNode("random", "urandom"); err != nil {
			return false, err
		}
		if err := deviceNode("urandom", "urandom"); err != nil {
			return false, err
		}
		if err := mount("dev", "dev", "",
			unix.MS_REMOUNT|unix.MS_BIND|unix.MS_NOEXEC|unix.MS_NOSUID|unix.MS_NODEV|unix.MS_RDONLY,
			""); err != nil {
			return false, err
		}
	}

	if err := unix.Access("var", unix.F_OK); err == nil {
		if err := bind(varPath+"/sandbox", "var", unix.MS_NODEV); err != nil {
			return false, err
		}
	}

	if err := unix.Access("proc/cpuinfo", unix.F_OK); err == nil {
		if err := bind("/proc/cpuinfo", "proc/cpuinfo",
			unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV); err != nil {
			return false, err
		}
	}

	if mountProc {
		if err := unix.Access("proc", unix.F_OK); err == nil {
			// Bind it to retain permission to mount it. This mount is
			// associated with the wrong pid namespace; the app stage fixes
			// it once it runs inside the new one. A fresh copy cannot be
			// mounted here because this process lacks permission on the
			// active pid namespace.
			if err := mount("/proc", "proc", "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
				return false, err
			}
		} else {
			mountProc = false
		}
	}

	return mountProc, nil
}
