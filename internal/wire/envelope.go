// Package wire implements the runtime's on-the-wire contract: a length
// prefixed frame carrying one codec-encoded envelope variant — len32
// (big-endian) followed by a self-describing payload.
//
// The codec is github.com/vmihailenco/msgpack/v5: a self-describing
// binary format, so decoders don't need a schema to skip unknown fields.
package wire

import (
	"fmt"

	"github.com/roasbeef/nursery/internal/rtid"
)

// Tag discriminates the envelope variant encoded in a frame's payload. It
// is written as a single byte ahead of the msgpack-encoded struct so a
// receiver can pick the right Go type before decoding.
type Tag byte

const (
	TagCmd Tag = iota + 1
	TagReturn
	TagYield
	TagStop
	TagError
	TagCancel
	TagFunctions
)

func (t Tag) String() string {
	switch t {
	case TagCmd:
		return "cmd"
	case TagReturn:
		return "return"
	case TagYield:
		return "yield"
	case TagStop:
		return "stop"
	case TagError:
		return "error"
	case TagCancel:
		return "cancel"
	case TagFunctions:
		return "functions"
	default:
		return fmt.Sprintf("tag(%d)", byte(t))
	}
}

// Cmd is an RPC request: ns and func identify the target dispatcher, cid is
// the context that every reply frame for this call will carry.
type Cmd struct {
	NS     string         `msgpack:"ns"`
	Func   string         `msgpack:"func"`
	Kwargs map[string]any `msgpack:"kwargs"`
	CID    rtid.CID       `msgpack:"cid"`
}

// Return is a terminal single-value result.
type Return struct {
	CID   rtid.CID `msgpack:"cid"`
	Value any      `msgpack:"value"`
}

// Yield is one chunk of a streamed result.
type Yield struct {
	CID   rtid.CID `msgpack:"cid"`
	Value any      `msgpack:"value"`
}

// Stop is the end-of-stream sentinel for a streamed result.
type Stop struct {
	CID rtid.CID `msgpack:"cid"`
}

// ErrorPayload carries a remote failure's classification.
type ErrorPayload struct {
	Kind      string `msgpack:"kind"`
	Message   string `msgpack:"message"`
	Traceback string `msgpack:"traceback"`
}

// Error is a remote failure reported against a context.
type Error struct {
	CID     rtid.CID     `msgpack:"cid"`
	Payload ErrorPayload `msgpack:"payload"`
}

// Cancel requests cancellation of a running context at the peer.
type Cancel struct {
	CID rtid.CID `msgpack:"cid"`
}

// Functions is the optional RPC-module introspection reply.
type Functions struct {
	CID   rtid.CID `msgpack:"cid"`
	Names []string `msgpack:"names"`
}

// Handshake is exchanged immediately after TCP accept/connect, before any
// other frame, so both sides learn the peer's uid.
type Handshake struct {
	UID rtid.UID `msgpack:"uid"`
}

// Envelope is the decoded (tag, value) pair read from one frame.
type Envelope struct {
	Tag   Tag
	Value any
}

// EnvelopeOrErr pairs a decoded envelope with a terminal delivery error
// (e.g. "channel closed"), used for mailbox channels that must be able to
// signal transport failure alongside ordinary frames.
type EnvelopeOrErr struct {
	Env Envelope
	Err error
}

// AsInt64 coerces any integer or float value a codec round trip can
// produce into an int64.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// CIDOf extracts the CID carried by a decoded envelope's value, for frames
// that carry one. Handshake frames (decoded separately, before any
// envelope) and Functions-less variants without a cid are not handled here.
func (e Envelope) CIDOf() (rtid.CID, bool) {
	switch v := e.Value.(type) {
	case Cmd:
		return v.CID, true
	case Return:
		return v.CID, true
	case Yield:
		return v.CID, true
	case Stop:
		return v.CID, true
	case Error:
		return v.CID, true
	case Cancel:
		return v.CID, true
	case Functions:
		return v.CID, true
	default:
		return rtid.CID{}, false
	}
}
