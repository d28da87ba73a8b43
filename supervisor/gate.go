package supervisor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"grainhost.app/wire"
)

// AlreadyRunning reports whether a live supervisor already serves this
// grain, by connecting to its socket and issuing keepAlive. A failed
// connect or call means the socket is stale and startup proceeds.
func AlreadyRunning(varPath string) bool {
	client, err := wire.Dial(varPath + "/" + SocketFile)
	if err != nil {
		return false
	}
	defer client.Close()

	// The supervisor may have died just as we were connecting to it; in
	// that case go ahead and start a new one.
	return client.KeepAlive() == nil
}

// Lock takes the cross-process grain lock, closing the race window when
// two supervisors start before either binds the socket. The lock is held
// by the returned file for the launcher's lifetime; the kernel drops it on
// exit.
func Lock(varPath string) (*os.File, error) {
	f, err := os.OpenFile(varPath+"/"+LockFile, os.O_RDWR|os.O_CREATE, 0660)
	if err != nil {
		return nil, fmt.Errorf("cannot open grain lock: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, errLocked
		}
		return nil, fmt.Errorf("cannot lock grain: %w", err)
	}
	return f, nil
}

// errLocked means another supervisor holds the grain lock mid-startup.
var errLocked = &ExitError{Msg: "Grain is locked by another supervisor.", Code: 1}

// ErrLocked reports whether err is the grain-lock contention error.
func ErrLocked(err error) bool { return err == errLocked }
