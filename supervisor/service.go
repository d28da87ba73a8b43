package supervisor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"

	"grainhost.app/wire"
)

// Sizer is the disk watcher surface the service consumes.
type Sizer interface {
	Size() uint64
	SizeWhenChanged(ctx context.Context, oldSize uint64) (uint64, error)
}

// Viewer resolves the app's main view.
type Viewer interface {
	GetMainView() (cbor.RawMessage, error)
}

// Service implements the grain RPC methods. Safe for concurrent sessions:
// its state is the keep-alive flag and the watcher, both synchronized.
type Service struct {
	keepAlive *atomic.Bool
	sizer     Sizer
	viewer    Viewer
	// shutdown kills the app and exits; it does not return.
	shutdown func()
}

// NewService assembles the RPC surface.
func NewService(keepAlive *atomic.Bool, sizer Sizer, viewer Viewer, shutdown func()) *Service {
	return &Service{keepAlive: keepAlive, sizer: sizer, viewer: viewer, shutdown: shutdown}
}

// Handle processes one request. ctx is cancelled when the session's
// connection goes away, releasing blocked size waits.
func (s *Service) Handle(ctx context.Context, req wire.Request) wire.Response {
	switch req.Action {
	case wire.ActionKeepAlive:
		// Cheap, idempotent: only postpones the idle timer.
		s.keepAlive.Store(true)
		return wire.Response{OK: true}

	case wire.ActionShutdown:
		s.shutdown()
		// Unreachable; shutdown exits the process.
		return wire.Response{OK: true}

	case wire.ActionGetGrainSize:
		return wire.Response{OK: true, Size: s.sizer.Size()}

	case wire.ActionGetGrainSizeWhenDifferent:
		size, err := s.sizer.SizeWhenChanged(ctx, req.OldSize)
		if err != nil {
			return wire.Response{Error: err.Error()}
		}
		return wire.Response{OK: true, Size: size}

	case wire.ActionGetMainView:
		view, err := s.viewer.GetMainView()
		if err != nil {
			return wire.Response{Error: err.Error()}
		}
		return wire.Response{OK: true, View: view}

	default:
		return wire.Response{Error: fmt.Sprintf("unknown action %q", req.Action)}
	}
}
