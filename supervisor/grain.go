// Package supervisor runs the per-grain supervisor: it validates the grain,
// enforces single-instance startup, serves the grain RPC socket and owns
// the sandboxed app's lifetime.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"grainhost.app/sandbox"
)

// Default locations, overridable from the command line.
const (
	DefaultPkgRoot = "/var/grainhost/apps"
	DefaultVarRoot = "/var/grainhost/grains"
)

// Grain filesystem layout under the var directory.
const (
	// SandboxDir is the app's writable root.
	SandboxDir = "sandbox"
	// LogFile receives the append-only stderr/stdout of app and supervisor.
	LogFile = "log"
	// SocketFile is the Unix-domain RPC listener.
	SocketFile = "socket"
	// LockFile closes the startup race between two supervisors.
	LockFile = "lock"
)

// ExitError is a user-facing error: the message is printed without a stack
// and the process exits with Code.
type ExitError struct {
	Msg  string
	Code int
}

func (e *ExitError) Error() string { return e.Msg }

// Config is a grain's launch configuration, assembled from the command
// line.
type Config struct {
	AppName string
	GrainID string

	// Read-only application bundle; derived from AppName when empty.
	PkgPath string
	// Mutable grain state; derived from GrainID when empty.
	VarPath string

	// Initialize a new grain rather than running an existing one.
	IsNew bool

	MountProc      bool
	KeepStdio      bool
	DevMode        bool
	DumpSeccompPFC bool

	Env     []string
	Command []string
}

// Validate rejects identifiers that cannot name filesystem entries and
// incomplete configurations.
func (c *Config) Validate() error {
	if c.AppName == "" || strings.ContainsRune(c.AppName, '/') {
		return &ExitError{Msg: "Invalid app name.", Code: 1}
	}
	if c.GrainID == "" || strings.ContainsRune(c.GrainID, '/') {
		return &ExitError{Msg: "Invalid grain id.", Code: 1}
	}
	if len(c.Command) == 0 {
		return &ExitError{Msg: "Missing command.", Code: 1}
	}
	for _, kv := range c.Env {
		if !strings.Contains(kv, "=") {
			return &ExitError{Msg: fmt.Sprintf("Invalid environment variable: %s", kv), Code: 1}
		}
	}
	return nil
}

// CheckPaths creates or verifies the grain directories. Runs before any
// namespace work, as the launching user.
func (c *Config) CheckPaths() error {
	// Be explicit about permissions.
	unix.Umask(0)

	if c.PkgPath == "" {
		c.PkgPath = DefaultPkgRoot + "/" + c.AppName
	}
	if c.VarPath == "" {
		c.VarPath = DefaultVarRoot + "/" + c.GrainID
	}

	if err := unix.Access(c.PkgPath, unix.R_OK|unix.X_OK); err != nil {
		return fmt.Errorf("access %s: %w", c.PkgPath, err)
	}

	if c.IsNew {
		if err := os.Mkdir(c.VarPath, 0770); err != nil {
			if errors.Is(err, os.ErrExist) {
				return &ExitError{Msg: "Grain already exists: " + c.GrainID, Code: 1}
			}
			return err
		}
		if err := os.Mkdir(c.VarPath+"/"+SandboxDir, 0770); err != nil {
			return err
		}
	} else {
		if err := unix.Access(c.VarPath, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
			if err == unix.ENOENT {
				return &ExitError{Msg: "No such grain: " + c.GrainID, Code: 1}
			}
			return fmt.Errorf("access %s: %w", c.VarPath, err)
		}
	}

	// The scratch mount point; one is enough, it only ever carries private
	// mounts.
	if err := os.Mkdir(sandbox.ScratchDir, 0770); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}

	// Create the log file while still running as the launching user.
	f, err := os.OpenFile(c.VarPath+"/"+LogFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return err
	}
	return f.Close()
}

// Params converts the validated config into sandbox stage params.
func (c *Config) Params(ipTablesAvailable bool) *sandbox.Params {
	return &sandbox.Params{
		PkgPath:           c.PkgPath,
		VarPath:           c.VarPath,
		Command:           c.Command,
		Env:               c.Env,
		MountProc:         c.MountProc,
		KeepStdio:         c.KeepStdio,
		DevMode:           c.DevMode,
		DumpSeccompPFC:    c.DumpSeccompPFC,
		IPTablesAvailable: ipTablesAvailable,
		HostUid:           os.Getuid(),
		HostGid:           os.Getgid(),
	}
}
