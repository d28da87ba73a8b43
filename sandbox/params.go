package sandbox

import (
	"encoding/gob"
	"errors"
	"os"
	"strconv"
	"syscall"
)

// setupEnv carries the setup pipe descriptor number to a stage process.
const setupEnv = "GRAINHOST_SETUP"

// ErrNotSet is returned by Receive when the setup environment variable is
// missing.
var ErrNotSet = errors.New("environment variable not set")

// Params is the grain launch configuration streamed between stages. It is
// safe to serialise.
type Params struct {
	// Read-only application bundle directory.
	PkgPath string
	// Mutable grain state directory.
	VarPath string
	// App argv. Never empty.
	Command []string
	// App environment, exactly as configured. Nothing is inherited.
	Env []string

	// Bind the host /proc into the sandbox.
	MountProc bool
	// Do not redirect stdio into the grain log.
	KeepStdio bool
	// Weaken the syscall filter for debugging.
	DevMode bool
	// Export the seccomp filter as PFC before loading it.
	DumpSeccompPFC bool

	// Whether the ip_tables kernel module was detected before entering the
	// sandbox; network interposition is skipped without it.
	IPTablesAvailable bool

	// Identity of the process that launched the grain, masked as 1000
	// inside the user namespace.
	HostUid, HostGid int
}

// Setup appends the read end of a pipe for params transmission to
// extraFiles and returns the fd number it will occupy in the spawned stage.
func Setup(extraFiles *[]*os.File) (int, *gob.Encoder, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return -1, nil, err
	}
	fd := 3 + len(*extraFiles)
	*extraFiles = append(*extraFiles, r)
	return fd, gob.NewEncoder(w), nil
}

// Receive retrieves the setup fd from the environment and decodes params
// from it. The returned function closes the setup pipe.
func Receive(key string, e any) (func() error, error) {
	s, ok := os.LookupEnv(key)
	if !ok {
		return nil, ErrNotSet
	}

	fd, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	setup := os.NewFile(uintptr(fd), "setup")
	if setup == nil {
		return nil, syscall.EBADF
	}

	return setup.Close, gob.NewDecoder(setup).Decode(e)
}
