package wire

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// dialTimeout bounds the connect to a possibly stale socket.
const dialTimeout = 5 * time.Second

// Client issues requests over an established connection to a supervisor.
// Methods are not safe for concurrent use; calls are serialized by the
// connection's wire order.
type Client struct {
	conn net.Conn
	enc  *cbor.Encoder
	dec  *cbor.Decoder
}

// Dial connects to the supervisor socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, enc: NewEncoder(conn), dec: NewDecoder(conn)}
}

func (c *Client) Close() error { return c.conn.Close() }

// Call performs one request/response cycle. A response with ok unset is
// returned alongside an error carrying the server's message.
func (c *Client) Call(req Request) (*Response, error) {
	if err := c.enc.Encode(req); err != nil {
		return nil, err
	}
	resp := new(Response)
	if err := c.dec.Decode(resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

// KeepAlive postpones the supervisor's idle-shutdown timer.
func (c *Client) KeepAlive() error {
	_, err := c.Call(Request{Action: ActionKeepAlive})
	return err
}

// Shutdown asks the supervisor to kill the app and exit immediately. The
// supervisor does not respond; only transport errors are reported.
func (c *Client) Shutdown() error {
	if err := c.enc.Encode(Request{Action: ActionShutdown}); err != nil {
		return fmt.Errorf("cannot send shutdown: %w", err)
	}
	return nil
}

// GetGrainSize returns the current on-disk footprint estimate.
func (c *Client) GetGrainSize() (uint64, error) {
	resp, err := c.Call(Request{Action: ActionGetGrainSize})
	if err != nil {
		return 0, err
	}
	return resp.Size, nil
}

// GetGrainSizeWhenDifferent blocks until the estimate differs from oldSize.
func (c *Client) GetGrainSizeWhenDifferent(oldSize uint64) (uint64, error) {
	resp, err := c.Call(Request{Action: ActionGetGrainSizeWhenDifferent, OldSize: oldSize})
	if err != nil {
		return 0, err
	}
	return resp.Size, nil
}

// GetMainView returns the app's main view payload via the supervisor.
func (c *Client) GetMainView() (cbor.RawMessage, error) {
	resp, err := c.Call(Request{Action: ActionGetMainView})
	if err != nil {
		return nil, err
	}
	return resp.View, nil
}
