package supervisor

import (
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"grainhost.app/wire"
)

// appPair builds the supervisor's channel and the app end of the
// socketpair backing it, the same shape fd 3 has at runtime.
func appPair(t *testing.T) (*AppChannel, net.Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}

	channel, err := NewAppChannel(os.NewFile(uintptr(fds[0]), "api"))
	if err != nil {
		t.Fatal(err)
	}

	appFile := os.NewFile(uintptr(fds[1]), "api (app)")
	appConn, err := net.FileConn(appFile)
	if err != nil {
		t.Fatal(err)
	}
	appFile.Close()
	t.Cleanup(func() { appConn.Close() })
	return channel, appConn
}

func TestAppChannelMainView(t *testing.T) {
	channel, appConn := appPair(t)

	// The app side: answer one getMainView request.
	go func() {
		dec := wire.NewDecoder(appConn)
		enc := wire.NewEncoder(appConn)
		var req wire.Request
		if err := dec.Decode(&req); err != nil {
			t.Error(err)
			return
		}
		if req.Action != wire.ActionGetMainView {
			t.Errorf("app received action %q", req.Action)
		}
		enc.Encode(wire.Response{OK: true, View: []byte{0x41, 0x2a}}) // bytes(0x2a)
	}()

	view, err := channel.GetMainView()
	if err != nil {
		t.Fatalf("GetMainView: error = %v", err)
	}
	if len(view) != 2 || view[1] != 0x2a {
		t.Errorf("GetMainView: view % x", []byte(view))
	}
}

func TestAppChannelDisconnect(t *testing.T) {
	channel, appConn := appPair(t)

	select {
	case <-channel.Disconnected():
		t.Fatal("Disconnected: closed before hangup")
	default:
	}

	appConn.Close()
	select {
	case <-channel.Disconnected():
	case <-time.After(5 * time.Second):
		t.Fatal("Disconnected: not closed after hangup")
	}

	if _, err := channel.GetMainView(); err == nil {
		t.Error("GetMainView: no error after disconnect")
	}
}
