package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"

	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"grainhost.app/sandbox/network"
	"grainhost.app/sandbox/seccomp"
)

// apiFd is the descriptor number the app expects its API socket on.
const apiFd = 3

// AppInit is the app stage entrypoint. It blocks until the supervisor has
// finished the pivot, completes the inner sandbox and execs the app
// command. It never returns.
func AppInit() {
	if err := appInit(); err != nil {
		fatal(err)
	}
}

func appInit() error {
	// The network namespace applies to the calling thread until exec; every
	// setup syscall and the exec itself must stay on it.
	runtime.LockOSThread()

	var params Params
	closeSetup, err := Receive(setupEnv, &params)
	if err != nil {
		if errors.Is(err, ErrNotSet) {
			return errors.New(setupEnv + " not set")
		}
		return fmt.Errorf("cannot decode setup params: %w", err)
	}
	// The decode does not complete until the supervisor has pivoted; the
	// sandbox root is fully in place from here on.
	if err := closeSetup(); err != nil {
		return fmt.Errorf("cannot close setup pipe: %w", err)
	}

	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("cannot enter sandbox root: %w", err)
	}

	if err := unshareNetwork(&params); err != nil {
		return err
	}
	if err := finishMountingProc(params.MountProc); err != nil {
		return err
	}
	if err := DropPrivileges(); err != nil {
		return fmt.Errorf("cannot drop capabilities: %w", err)
	}

	// Last, so the filter does not forbid the setup itself: unshare and
	// mount were both needed above.
	if err := (seccomp.Policy{DevMode: params.DevMode, DumpPFC: params.DumpSeccompPFC}).Install(); err != nil {
		return fmt.Errorf("cannot install syscall filter: %w", err)
	}

	// Reset inherited dispositions and unblock everything; ignored signals
	// survive exec, default ones do not.
	signal.Reset()
	var emptySet unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &emptySet, nil); err != nil {
		return fmt.Errorf("cannot reset signal mask: %w", err)
	}

	// The API socket arrives one slot after the setup pipe; the app
	// expects it on fd 3 with CLOEXEC cleared.
	if err := unix.Dup2(apiFd+1, apiFd); err != nil {
		return fmt.Errorf("cannot renumber api socket: %w", err)
	}
	if err := unix.Close(apiFd + 1); err != nil {
		return err
	}

	// Stdout is redirected to stderr so the app cannot accidentally signal
	// readiness to the outer caller.
	if err := unix.Dup2(2, 1); err != nil {
		return fmt.Errorf("cannot redirect stdout: %w", err)
	}

	// No PATH lookup and no environment inheritance: exactly the
	// configured argv and envp.
	return unix.Exec(params.Command[0], params.Command, params.Env)
}

// unshareNetwork detaches from the host network and brings up a loopback
// interface, then installs the transparent forwarding setup when the
// ip_tables module was detected at startup.
func unshareNetwork(params *Params) error {
	ns, err := netns.New()
	if err != nil {
		return fmt.Errorf("cannot create network namespace: %w", err)
	}
	defer ns.Close()

	if err := network.SetupLoopback(); err != nil {
		return err
	}

	if !params.IPTablesAvailable {
		slog.Warn("ip_tables kernel module not loaded; cannot set up transparent network forwarding")
		return nil
	}
	return network.SetupInterposition()
}

// finishMountingProc mounts the pid-namespace-correct proc when requested.
// This must happen after the stage is in the new pid namespace, and a copy
// of proc must remain mounted throughout; otherwise the permission to mount
// proc at all is lost.
func finishMountingProc(mountProc bool) error {
	if !mountProc {
		return nil
	}

	oldProc, err := unix.Open("proc", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("cannot open proc: %w", err)
	}

	// This puts the stale proc onto the namespace root, which is mostly
	// inaccessible, freeing the mount point for the real one.
	if err := mount("proc", "/", "", unix.MS_MOVE, ""); err != nil {
		return err
	}
	if err := mount("proc", "proc", "proc",
		unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return err
	}

	if err := unix.Fchdir(oldProc); err != nil {
		return fmt.Errorf("cannot enter stale proc: %w", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("cannot detach stale proc: %w", err)
	}
	if err := unix.Close(oldProc); err != nil {
		return err
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("cannot re-enter sandbox root: %w", err)
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "grainhost-appinit: %v\n", err)
	os.Exit(1)
}
