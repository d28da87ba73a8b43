package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"grainhost.app/sandbox"
	"grainhost.app/sandbox/seccomp"
	"grainhost.app/watcher"
)

// idleInterval is how often the keep-alive flag is checked. One interval
// without a keepAlive call is tolerated; two terminate the supervisor. The
// client normally keep-alives every minute, and a missed shutdown is not
// the end of the world: the grain transparently starts back up on the next
// request.
const idleInterval = 90 * time.Second

// disconnectGrace is how long the supervisor waits for the app's exit
// status after the api socket hung up before force-killing it.
const disconnectGrace = time.Second

// childPid is the app's process id, written by the serve loop and read
// from every exit path. Exactly two writers: the loop that sets it and
// killChild.
var childPid atomic.Int64

// killChild delivers SIGKILL to the app, exactly once. Reaping is left to
// init once the supervisor exits; pre-exit reaping happens in the wait
// goroutine.
func killChild() {
	if pid := childPid.Swap(0); pid != 0 {
		unix.Kill(int(pid), unix.SIGKILL)
	}
}

// killChildAndExit terminates the supervisor, guaranteeing the app dies
// with it.
func killChildAndExit(status int) {
	killChild()
	os.Exit(status)
}

// keepAlive is set by the RPC method and cleared by the idle tick.
// Starting up counts as activity.
var keepAlive atomic.Bool

// deathSignals are all signals that by default terminate the process.
// SIGKILL and SIGSTOP cannot be caught; synchronous SIGSEGV, SIGBUS,
// SIGFPE and SIGILL raised by the supervisor's own code surface as runtime
// panics instead, which still unwind through the deferred child kill.
var deathSignals = []os.Signal{
	unix.SIGHUP, unix.SIGINT, unix.SIGQUIT, unix.SIGILL, unix.SIGABRT,
	unix.SIGFPE, unix.SIGSEGV, unix.SIGTERM, unix.SIGUSR1, unix.SIGUSR2,
	unix.SIGBUS, unix.SIGPIPE, unix.SIGPOLL, unix.SIGPROF, unix.SIGSYS,
	unix.SIGTRAP, unix.SIGVTALRM, unix.SIGXCPU, unix.SIGXFSZ,
	unix.SIGSTKFLT, unix.SIGPWR,
}

// Main is the supervisor stage entrypoint: it finishes the outer sandbox,
// confines itself, then serves the grain until the app exits, the grain
// goes idle, or a signal arrives. The returned status is the process exit
// code.
func Main() int {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	keepAlive.Store(true)

	sup, err := sandbox.EnterSupervisor()
	if err != nil {
		log.Error("cannot construct sandbox", "error", err)
		killChildAndExit(1)
	}
	childPid.Store(int64(sup.App.Process.Pid))
	defer killChild()

	code, err := serve(sup, log)
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Msg)
			killChild()
			return exitErr.Code
		}
		log.Error("supervisor failed", "error", err)
		killChild()
		return 1
	}
	killChild()
	return code
}

func serve(sup *sandbox.Supervisor, log *slog.Logger) (int, error) {
	// The supervisor is in a dangerous state until this point: its root
	// directory is the app-controlled package.
	if err := sup.Chroot(); err != nil {
		return 0, err
	}
	if err := sandbox.DropPrivileges(); err != nil {
		return 0, fmt.Errorf("cannot drop capabilities: %w", err)
	}
	if err := (seccomp.Policy{
		DevMode: sup.Params.DevMode,
		DumpPFC: sup.Params.DumpSeccompPFC,
	}).Install(); err != nil {
		return 0, fmt.Errorf("cannot install syscall filter: %w", err)
	}

	// Terminal signals kill the child on their way out; everything else
	// that would kill us by default is a fault.
	signals := make(chan os.Signal, 8)
	signal.Notify(signals, deathSignals...)

	// Detect app exit.
	appExit := make(chan error, 1)
	go func() { appExit <- sup.App.Wait() }()

	// Compute grain size and watch for changes.
	disk := watcher.New(".")
	watcherFailed := make(chan error, 1)
	go func() { watcherFailed <- disk.Run() }()

	// The RPC channel to the app on fd 3.
	app, err := NewAppChannel(sup.API)
	if err != nil {
		return 0, fmt.Errorf("cannot wrap api socket: %w", err)
	}

	svc := NewService(&keepAlive, disk, app, func() {
		log.Info("Grain shutdown requested.")
		killChildAndExit(0)
	})
	server := NewServer(svc, log)

	// Clear stale socket, if any, then listen inside the chrooted
	// supervisor directory.
	os.Remove(SocketFile)
	listener, err := net.Listen("unix", SocketFile)
	if err != nil {
		return 0, fmt.Errorf("cannot listen on grain socket: %w", err)
	}
	defer listener.Close()

	// The caller is waiting for exactly this line.
	if _, err := os.Stdout.WriteString("Listening...\n"); err != nil {
		return 0, err
	}

	acceptFailed := make(chan error, 1)
	go func() { acceptFailed <- server.Serve(listener) }()

	idle := time.NewTicker(idleInterval)
	defer idle.Stop()

	// Whichever completes first decides the exit path.
	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGINT || sig == syscall.SIGTERM {
				log.Info("Grain supervisor terminated by signal.")
				return 0, nil
			}
			log.Error("Grain supervisor crashed due to signal.", "signal", sig.String())
			return 1, nil

		case <-idle.C:
			if keepAlive.CompareAndSwap(true, false) {
				log.Info("Grain still in use; staying up for now.")
				continue
			}
			log.Info("Grain no longer in use; shutting down.")
			return 0, nil

		case err := <-appExit:
			return 0, reportAppExit(err)

		case <-app.Disconnected():
			// The app probably exited and the status just has not arrived
			// yet; give it a moment so the report is precise.
			select {
			case err := <-appExit:
				return 0, reportAppExit(err)
			case <-time.After(disconnectGrace):
			}
			log.Error("App disconnected API socket but didn't actually exit; killing it.")
			return 1, nil

		case err := <-watcherFailed:
			return 0, fmt.Errorf("disk watcher failed: %w", err)

		case err := <-acceptFailed:
			return 0, fmt.Errorf("accept loop failed: %w", err)
		}
	}
}

// reportAppExit formats the app's exit status, distinguishing a normal
// exit from death by signal.
func reportAppExit(err error) error {
	childPid.Store(0)

	if err == nil {
		slog.Info("App exited with status code: 0")
		return nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("cannot wait for app: %w", err)
	}

	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if ok && status.Signaled() {
		sig := status.Signal()
		return &ExitError{
			Msg:  fmt.Sprintf("App exited due to signal %d (%s).", int(sig), unix.SignalName(sig)),
			Code: 1,
		}
	}
	return &ExitError{
		Msg:  fmt.Sprintf("App exited with status code: %d", exitErr.ExitCode()),
		Code: 1,
	}
}
