// Package wire implements the CBOR request/response protocol spoken on the
// supervisor's grain socket and on the app's API socket.
//
// Each connection carries a sequence of request/response cycles: the client
// writes one CBOR request, the server processes it and writes one CBOR
// response. CBOR is self-delimiting so no framing protocol is needed.
package wire

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Actions understood by the supervisor service.
const (
	ActionKeepAlive                 = "keepAlive"
	ActionShutdown                  = "shutdown"
	ActionGetGrainSize              = "getGrainSize"
	ActionGetGrainSizeWhenDifferent = "getGrainSizeWhenDifferent"
	ActionGetMainView               = "getMainView"
)

type (
	// Request is the wire-format envelope for all requests.
	Request struct {
		Action string `cbor:"action"`
		// OldSize is consumed by ActionGetGrainSizeWhenDifferent only.
		OldSize uint64 `cbor:"oldSize,omitempty"`
	}

	// Response is the wire-format envelope for all responses. Handlers
	// build the complete envelope, carrying a size or an opaque view
	// payload, and the server encodes it as returned.
	Response struct {
		OK    bool            `cbor:"ok"`
		Error string          `cbor:"error,omitempty"`
		Size  uint64          `cbor:"size,omitempty"`
		View  cbor.RawMessage `cbor:"view,omitempty"`
	}
)

var encMode cbor.EncMode

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
}

// NewEncoder returns a CBOR encoder with the protocol's encoding options.
func NewEncoder(w io.Writer) *cbor.Encoder { return encMode.NewEncoder(w) }

// NewDecoder returns a CBOR decoder for the protocol.
func NewDecoder(r io.Reader) *cbor.Decoder { return cbor.NewDecoder(r) }
