package sandbox

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"
)

// Supervisor is the state handed to the serve loop once the outer sandbox
// is fully constructed.
type Supervisor struct {
	Params Params
	// App is the started app stage. Wait must be called exactly once.
	App *exec.Cmd
	// API is the supervisor end of the app's fd 3 socket.
	API *os.File

	// The only external handle into the grain var directory after
	// pivot_root; held for the supervisor's entire lifetime.
	supervisorFd int
}

// EnterSupervisor receives setup params and constructs the outer sandbox
// around the calling process. On return the current directory is the grain
// var directory, / is the read-only package, the app stage is running and
// has been released with its setup params, and stdio is redirected into the
// grain log unless configured otherwise.
//
// The sequence is order-sensitive; each step notes why where it matters.
func EnterSupervisor() (*Supervisor, error) {
	runtime.LockOSThread()

	var params Params
	closeSetup, err := Receive(setupEnv, &params)
	if err != nil {
		if errors.Is(err, ErrNotSet) {
			return nil, errors.New(setupEnv + " not set")
		}
		return nil, fmt.Errorf("cannot decode setup params: %w", err)
	}
	if len(params.Command) == 0 {
		return nil, errors.New("invalid setup params")
	}
	if err := closeSetup(); err != nil {
		return nil, fmt.Errorf("cannot close setup pipe: %w", err)
	}

	if err := writeUserNSMaps(&params); err != nil {
		return nil, err
	}

	// Make all mounts private so nothing below leaks back to the host.
	if err := mount("none", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return nil, err
	}

	// Fake identity so the grain cannot see the real one. The UTS
	// namespace confines both values to this process and its children.
	if err := unix.Sethostname([]byte("sandbox")); err != nil {
		return nil, fmt.Errorf("cannot set hostname: %w", err)
	}
	if err := unix.Setdomainname([]byte("sandbox")); err != nil {
		return nil, fmt.Errorf("cannot set domain name: %w", err)
	}

	// The supervisor keeps sight of the grain var directory through a
	// descriptor on a mount that is immediately detached, so the app can
	// never reach it through the filesystem.
	if err := bind(params.VarPath, ScratchDir, unix.MS_NODEV|unix.MS_NOEXEC); err != nil {
		return nil, err
	}
	supervisorFd, err := unix.Open(ScratchDir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", ScratchDir, err)
	}
	if err := unix.Unmount(ScratchDir, unix.MNT_DETACH); err != nil {
		return nil, fmt.Errorf("cannot detach supervisor directory: %w", err)
	}

	// The app package becomes the grain's root directory.
	if err := bind(params.PkgPath, ScratchDir, unix.MS_NODEV|unix.MS_RDONLY); err != nil {
		return nil, err
	}
	if err := unix.Chdir(ScratchDir); err != nil {
		return nil, fmt.Errorf("cannot enter %s: %w", ScratchDir, err)
	}

	if params.MountProc, err = setupInnerMounts(params.VarPath, params.MountProc); err != nil {
		return nil, err
	}

	// Hold the old root. After pivot_root the old root is mounted on top
	// of the grain directory and "/" no longer reaches it; this descriptor
	// is the only way to unmount it.
	oldRootFd, err := unix.Open("/", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open old root: %w", err)
	}

	// Stdio is rewired before the app stage starts so it inherits the
	// redirected descriptors. Stdout stays attached to the caller: it
	// carries the readiness line.
	if err := setupStdio(&params); err != nil {
		return nil, err
	}

	// The app's API socket, later renumbered to fd 3 by the app stage.
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot create api socketpair: %w", err)
	}
	api := os.NewFile(uintptr(fds[0]), "api")
	appAPI := os.NewFile(uintptr(fds[1]), "api (app)")

	// The app stage must exist before the pivot: it shares this mount
	// namespace, so pivot_root relocates its root and working directory
	// along with ours. It blocks on its setup stream until released below.
	app, appSetup, err := spawnAppInit(appAPI)
	if err != nil {
		api.Close()
		appAPI.Close()
		return nil, fmt.Errorf("cannot start app stage: %w", err)
	}
	appAPI.Close()

	if err := unix.PivotRoot(".", "."); err != nil {
		return nil, fmt.Errorf("cannot pivot into sandbox root: %w", err)
	}
	if err := unix.Fchdir(oldRootFd); err != nil {
		return nil, fmt.Errorf("cannot re-enter old root: %w", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return nil, fmt.Errorf("cannot unmount old root: %w", err)
	}
	if err := unix.Close(oldRootFd); err != nil {
		return nil, fmt.Errorf("cannot close old root: %w", err)
	}
	if err := unix.Fchdir(supervisorFd); err != nil {
		return nil, fmt.Errorf("cannot enter supervisor directory: %w", err)
	}

	// Now "." is the grain var directory and "/" is the sandbox root.
	// Release the app stage; everything it sees from here on is sandboxed.
	if err := appSetup.Encode(&params); err != nil {
		return nil, fmt.Errorf("cannot stream app params: %w", err)
	}

	return &Supervisor{Params: params, App: app, API: api, supervisorFd: supervisorFd}, nil
}

// writeUserNSMaps maps the outer identity as 1000 inside the new user
// namespace; it costs nothing to mask the uid and gid. Written by this
// process for itself so the launcher never needs to set dumpable.
func writeUserNSMaps(params *Params) error {
	if err := setDumpable(SUID_DUMP_USER); err != nil {
		return fmt.Errorf("cannot set SUID_DUMP_USER: %w", err)
	}

	// setgroups must be denied before gid_map becomes writable.
	if err := writeFile("/proc/self/setgroups", []byte("deny\n")); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := writeFile("/proc/self/uid_map",
		[]byte("1000 "+strconv.Itoa(params.HostUid)+" 1\n")); err != nil {
		return err
	}
	if err := writeFile("/proc/self/gid_map",
		[]byte("1000 "+strconv.Itoa(params.HostGid)+" 1\n")); err != nil {
		return err
	}

	if err := setDumpable(SUID_DUMP_DISABLE); err != nil {
		return fmt.Errorf("cannot set SUID_DUMP_DISABLE: %w", err)
	}
	return nil
}

// setupStdio replaces stdin with /dev/null and sends stderr to the grain
// log. Stdin could inadvertently hold other powers, a tty for example.
// Stdout is preserved: it is how the caller learns the socket is ready.
func setupStdio(params *Params) error {
	if params.KeepStdio {
		return nil
	}

	devNull, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("cannot open /dev/null: %w", err)
	}
	if err := unix.Dup2(devNull, 0); err != nil {
		return fmt.Errorf("cannot replace stdin: %w", err)
	}
	if err := unix.Close(devNull); err != nil {
		return err
	}

	logFd, err := unix.Open(params.VarPath+"/log", unix.O_WRONLY|unix.O_APPEND|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("cannot open grain log: %w", err)
	}
	if err := unix.Dup2(logFd, 2); err != nil {
		return fmt.Errorf("cannot redirect stderr: %w", err)
	}
	return unix.Close(logFd)
}

// Chroot confines the supervisor to its current directory, the grain var
// directory. Until this point the process root is controlled by the app
// package; if libc were to read, say, /etc/nsswitch.conf, the grain could
// take control of the supervisor.
func (s *Supervisor) Chroot() error {
	if err := unix.Chroot("."); err != nil {
		return fmt.Errorf("cannot chroot into supervisor directory: %w", err)
	}
	return nil
}
