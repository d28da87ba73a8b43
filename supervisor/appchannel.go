package supervisor

import (
	"errors"
	"net"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"grainhost.app/wire"
)

// AppChannel is the supervisor's side of the app's fd 3 socket. The
// supervisor calls into the app (main view read-through); the app's use of
// the supervisor-exported api capability is a stub, so no inbound requests
// are expected, and anything that is not a response to an outstanding call
// tears the channel down.
//
// A single reader goroutine owns the connection's read side; responses are
// matched to calls in wire order.
type AppChannel struct {
	conn net.Conn

	writeMu sync.Mutex
	enc     *cbor.Encoder

	pendingMu sync.Mutex
	pending   []chan wire.Response

	disconnected chan struct{}
	closeOnce    sync.Once
}

// ErrAppDisconnected is returned for calls made after the app hung up.
var ErrAppDisconnected = errors.New("app disconnected api socket")

// NewAppChannel wraps the supervisor end of the api socketpair and starts
// the reader.
func NewAppChannel(f *os.File) (*AppChannel, error) {
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	f.Close()

	c := &AppChannel{
		conn:         conn,
		enc:          wire.NewEncoder(conn),
		disconnected: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Disconnected is closed when the app end of the socket hangs up.
func (c *AppChannel) Disconnected() <-chan struct{} { return c.disconnected }

func (c *AppChannel) readLoop() {
	dec := wire.NewDecoder(c.conn)
	for {
		var resp wire.Response
		if err := dec.Decode(&resp); err != nil {
			c.hangup()
			return
		}

		c.pendingMu.Lock()
		if len(c.pending) == 0 {
			c.pendingMu.Unlock()
			// Response with no outstanding call; the peer is not speaking
			// the protocol.
			c.hangup()
			return
		}
		waiter := c.pending[0]
		c.pending = c.pending[1:]
		c.pendingMu.Unlock()

		waiter <- resp
	}
}

func (c *AppChannel) hangup() {
	c.closeOnce.Do(func() {
		close(c.disconnected)
		c.conn.Close()
	})
}

// call performs one request/response cycle against the app.
func (c *AppChannel) call(req wire.Request) (*wire.Response, error) {
	waiter := make(chan wire.Response, 1)
	c.pendingMu.Lock()
	c.pending = append(c.pending, waiter)
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	err := c.enc.Encode(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-waiter:
		if !resp.OK {
			return &resp, errors.New(resp.Error)
		}
		return &resp, nil
	case <-c.disconnected:
		return nil, ErrAppDisconnected
	}
}

// GetMainView asks the app for its main view payload.
func (c *AppChannel) GetMainView() (cbor.RawMessage, error) {
	resp, err := c.call(wire.Request{Action: wire.ActionGetMainView})
	if err != nil {
		return nil, err
	}
	return resp.View, nil
}
