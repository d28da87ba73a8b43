package supervisor

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"grainhost.app/wire"
)

// stubSizer serves canned sizes without a real inotify session.
type stubSizer struct {
	size    atomic.Uint64
	changed chan struct{}
}

func (s *stubSizer) Size() uint64 { return s.size.Load() }

func (s *stubSizer) SizeWhenChanged(ctx context.Context, oldSize uint64) (uint64, error) {
	if s.size.Load() == oldSize {
		select {
		case <-s.changed:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return s.size.Load(), nil
}

type stubViewer struct{ view cbor.RawMessage }

func (v *stubViewer) GetMainView() (cbor.RawMessage, error) { return v.view, nil }

func startServer(t *testing.T) (*wire.Client, *stubSizer, *atomic.Bool) {
	t.Helper()

	sizer := &stubSizer{changed: make(chan struct{})}
	sizer.size.Store(42)
	viewer := &stubViewer{}
	keepAlive := new(atomic.Bool)

	svc := NewService(keepAlive, sizer, viewer, func() { panic("shutdown in test") })
	server := NewServer(svc, slog.New(slog.NewTextHandler(io.Discard, nil)))

	socket := filepath.Join(t.TempDir(), "socket")
	listener, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { listener.Close() })
	go server.Serve(listener)

	client, err := wire.Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	return client, sizer, keepAlive
}

func TestService(t *testing.T) {
	client, sizer, keepAlive := startServer(t)

	t.Run("keep alive", func(t *testing.T) {
		if keepAlive.Load() {
			t.Fatal("keepAlive set before call")
		}
		if err := client.KeepAlive(); err != nil {
			t.Fatalf("KeepAlive: error = %v", err)
		}
		if !keepAlive.Load() {
			t.Error("keepAlive not set")
		}
	})

	t.Run("get grain size", func(t *testing.T) {
		size, err := client.GetGrainSize()
		if err != nil {
			t.Fatalf("GetGrainSize: error = %v", err)
		}
		if size != 42 {
			t.Errorf("GetGrainSize: %d, want 42", size)
		}
	})

	t.Run("get grain size when different", func(t *testing.T) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			sizer.size.Store(100)
			close(sizer.changed)
		}()
		size, err := client.GetGrainSizeWhenDifferent(42)
		if err != nil {
			t.Fatalf("GetGrainSizeWhenDifferent: error = %v", err)
		}
		if size != 100 {
			t.Errorf("GetGrainSizeWhenDifferent: %d, want 100", size)
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		if _, err := client.Call(wire.Request{Action: "frobnicate"}); err == nil {
			t.Error("Call: no error for unknown action")
		}
	})

	t.Run("sequential requests on one connection", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if err := client.KeepAlive(); err != nil {
				t.Fatalf("KeepAlive: error = %v", err)
			}
		}
	})
}

func TestServiceMainView(t *testing.T) {
	sizer := &stubSizer{changed: make(chan struct{})}
	view, err := cbor.Marshal(map[string]string{"view": "main"})
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(new(atomic.Bool), sizer, &stubViewer{view: view}, func() {})

	resp := svc.Handle(context.Background(), wire.Request{Action: wire.ActionGetMainView})
	if !resp.OK {
		t.Fatalf("Handle: error = %s", resp.Error)
	}
	var decoded map[string]string
	if err := cbor.Unmarshal(resp.View, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["view"] != "main" {
		t.Errorf("Handle: view payload %v", decoded)
	}
}
