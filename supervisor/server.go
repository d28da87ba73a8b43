package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"grainhost.app/wire"
)

// Server accepts grain socket connections and serves one RPC session per
// connection. Sessions are independent; a failed one is logged and torn
// down while the rest keep serving.
type Server struct {
	svc *Service
	log *slog.Logger
}

// NewServer returns a server dispatching to svc.
func NewServer(svc *Service, log *slog.Logger) *Server {
	return &Server{svc: svc, log: log}
}

// Serve runs the accept loop until the listener fails.
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.session(conn)
	}
}

// session serves requests in the connection's wire order until the peer
// disconnects.
func (s *Server) session(conn net.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dec := wire.NewDecoder(conn)
	enc := wire.NewEncoder(conn)
	for {
		var req wire.Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Error("connection failed", "error", err)
			}
			return
		}

		resp := s.svc.Handle(ctx, req)
		if err := enc.Encode(resp); err != nil {
			s.log.Error("connection failed", "error", err)
			return
		}
	}
}
