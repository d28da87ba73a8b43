package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path"
	"syscall"

	"grainhost.app/sandbox"
	"grainhost.app/sandbox/network"
	"grainhost.app/supervisor"
)

func main() {
	// Later stages of the same executable are selected by argv[0].
	switch path.Base(os.Args[0]) {
	case sandbox.SupervisorName:
		os.Exit(supervisor.Main())
	case sandbox.AppInitName:
		sandbox.AppInit()
		panic("unreachable")
	}

	os.Exit(run())
}

func run() int {
	// Scrub leaked descriptors before anything else opens one; a leaked
	// handle must never become reachable from the sandbox.
	if err := sandbox.CloseExtraFds(); err != nil {
		fmt.Fprintf(os.Stderr, "grainhost: cannot close inherited fds: %v\n", err)
		return 1
	}

	// Once dropped, privileges can never be regained, not even by exec of
	// a suid binary. Sandboxed apps should not need that.
	if err := sandbox.SetNoNewPrivs(); err != nil {
		fmt.Fprintf(os.Stderr, "grainhost: cannot set no_new_privs: %v\n", err)
		return 1
	}

	config, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		return exitError(err)
	}

	for _, p := range []*string{&config.PkgPath, &config.VarPath} {
		if *p == "" {
			continue
		}
		if *p, err = sandbox.Canonicalize(*p); err != nil {
			fmt.Fprintf(os.Stderr, "grainhost: %v\n", err)
			return 1
		}
	}

	// Must happen before the sandbox is entered; it requires the host
	// /proc.
	ipTablesAvailable := network.ProbeIPTables()

	if err := config.CheckPaths(); err != nil {
		return exitError(err)
	}

	// Exits if another supervisor is still serving this grain.
	if supervisor.AlreadyRunning(config.VarPath) {
		os.Stdout.WriteString("Already running...\n")
		return 0
	}
	lock, err := supervisor.Lock(config.VarPath)
	if err != nil {
		if supervisor.ErrLocked(err) {
			// Another supervisor won the startup race; it will be serving
			// momentarily.
			os.Stdout.WriteString("Already running...\n")
			return 0
		}
		return exitError(err)
	}
	defer lock.Close()

	slog.Info("Starting up grain.", "app", config.AppName, "grain", config.GrainID)

	cmd, err := sandbox.SpawnSupervisor(config.Params(ipTablesAvailable))
	if err != nil {
		fmt.Fprintf(os.Stderr, "grainhost: %v\n", err)
		return 1
	}

	// Orderly termination requests pass through to the supervisor, which
	// kills the app on its way out.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range signals {
			cmd.Process.Signal(sig)
		}
	}()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if code := exitErr.ExitCode(); code >= 0 {
				return code
			}
			return 1
		}
		fmt.Fprintf(os.Stderr, "grainhost: %v\n", err)
		return 1
	}
	return 0
}

// exitError prints a user-facing error without a stack and maps it to an
// exit code.
func exitError(err error) int {
	var exitErr *supervisor.ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, exitErr.Msg)
		return exitErr.Code
	}
	fmt.Fprintf(os.Stderr, "grainhost: %v\n", err)
	return 1
}
