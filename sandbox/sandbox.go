// Package sandbox constructs the isolation environment around a grain. The
// supervisor cannot fork, so the original two-process split is rendered as
// a chain of stages of the same executable selected by argv[0], with
// namespaces applied at spawn time and setup params streamed as gobs over
// an inherited pipe.
package sandbox

import (
	"encoding/gob"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	// SupervisorName selects the supervisor stage via argv[0]. The stage
	// runs as pid 1 of fresh user, mount, ipc, uts and pid namespaces.
	SupervisorName = "grainhost-supervisor"
	// AppInitName selects the app stage via argv[0]. The stage finishes
	// sandbox construction and becomes the app by exec.
	AppInitName = "grainhost-appinit"
)

// SetNoNewPrivs permanently disables acquisition of new privileges. Once
// set, exec of setuid binaries and file capabilities are neutered for this
// process and every descendant, including the app.
func SetNoNewPrivs() error {
	return unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0)
}

// SpawnSupervisor starts the supervisor stage inside its outer namespace
// set and streams params to it. Network is deliberately not unshared here:
// loopback and netfilter setup runs in the app stage.
//
// The stage starts with no capabilities in the parent user namespace, so
// the setup capabilities are raised into the ambient set to survive exec.
func SpawnSupervisor(params *Params) (*exec.Cmd, error) {
	exe, err := Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot read executable path: %w", err)
	}

	cmd := exec.Command(exe)
	cmd.Args = []string{SupervisorName}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.Dir = "/"
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS |
			syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS | syscall.CLONE_NEWPID,

		// remain privileged for setup
		AmbientCaps: []uintptr{
			unix.CAP_SYS_ADMIN,
			unix.CAP_SETPCAP,
			unix.CAP_SYS_CHROOT,
			unix.CAP_NET_ADMIN,
		},
	}

	fd, enc, err := Setup(&cmd.ExtraFiles)
	if err != nil {
		return nil, fmt.Errorf("cannot create setup pipe: %w", err)
	}
	cmd.Env = []string{setupEnv + "=" + strconv.Itoa(fd)}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	if err := enc.Encode(params); err != nil {
		return nil, fmt.Errorf("cannot stream setup params: %w", err)
	}
	return cmd, nil
}

// spawnAppInit starts the app stage. It must be called before pivot_root:
// the stage shares this mount namespace, so the pivot relocates its root
// as well, and its setup gob does not arrive until the pivot is complete.
func spawnAppInit(apiFile *os.File) (*exec.Cmd, *gob.Encoder, error) {
	exe, err := Executable()
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read executable path: %w", err)
	}

	cmd := exec.Command(exe)
	cmd.Args = []string{AppInitName}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.Dir = "/"
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
		AmbientCaps: []uintptr{
			unix.CAP_SYS_ADMIN,
			unix.CAP_SETPCAP,
			unix.CAP_NET_ADMIN,
		},
	}

	fd, enc, err := Setup(&cmd.ExtraFiles)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot create setup pipe: %w", err)
	}
	cmd.Env = []string{setupEnv + "=" + strconv.Itoa(fd)}
	cmd.ExtraFiles = append(cmd.ExtraFiles, apiFile)

	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return cmd, enc, nil
}

func writeFile(name string, data []byte) error {
	f, err := os.OpenFile(name, os.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}
