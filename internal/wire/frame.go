package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// decodeBody unmarshals one envelope payload with loose interface
// decoding, so numeric values land as int64/uint64/float64 rather than
// whatever narrow type the encoder chose.
func decodeBody(body []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(body))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

// MaxFrameSize bounds a single frame's payload, guarding against a
// malformed or hostile peer claiming an unbounded length prefix.
const MaxFrameSize = 64 << 20 // 64MiB

// WriteFrame encodes tag+value as payload = tag-byte ∥ msgpack(value), then
// writes len32(payload) ∥ payload to w. The transport never surfaces a
// partial write: either the whole frame lands or an error is returned
// before any byte is flushed to w by way of buffering the header+payload
// together.
func WriteFrame(w io.Writer, tag Tag, value any) error {
	body, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("wire: marshal payload: %w", err)
	}

	payload := make([]byte, 1+len(body))
	payload[0] = byte(tag)
	copy(payload[1:], body)

	if len(payload) > MaxFrameSize {
		return fmt.Errorf("wire: frame too large: %d bytes", len(payload))
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	full := append(header, payload...)
	if _, err := w.Write(full); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and decodes its payload
// into the envelope variant matching the leading tag byte. A short read
// (including EOF mid-frame) surfaces as io.ErrUnexpectedEOF; a clean EOF
// before any bytes are read surfaces as io.EOF, matching the "channel
// closed on next receive" contract.
func ReadFrame(r io.Reader) (Envelope, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return Envelope{}, err
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return Envelope{}, fmt.Errorf("wire: empty frame")
	}
	if length > MaxFrameSize {
		return Envelope{}, fmt.Errorf(
			"wire: frame too large: %d bytes", length,
		)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			// The header already arrived, so this is mid-frame.
			err = io.ErrUnexpectedEOF
		}
		return Envelope{}, err
	}

	tag := Tag(payload[0])
	body := payload[1:]

	var (
		value any
		err   error
	)
	switch tag {
	case TagCmd:
		var v Cmd
		err = decodeBody(body, &v)
		value = v
	case TagReturn:
		var v Return
		err = decodeBody(body, &v)
		value = v
	case TagYield:
		var v Yield
		err = decodeBody(body, &v)
		value = v
	case TagStop:
		var v Stop
		err = decodeBody(body, &v)
		value = v
	case TagError:
		var v Error
		err = decodeBody(body, &v)
		value = v
	case TagCancel:
		var v Cancel
		err = decodeBody(body, &v)
		value = v
	case TagFunctions:
		var v Functions
		err = decodeBody(body, &v)
		value = v
	default:
		// Unknown tags MUST be ignored with a warning for forward
		// compatibility rather than tearing down the channel.
		return Envelope{Tag: tag, Value: nil}, errUnknownTag{tag}
	}
	if err != nil {
		return Envelope{}, fmt.Errorf(
			"wire: decode %s payload: %w", tag, err,
		)
	}

	return Envelope{Tag: tag, Value: value}, nil
}

// errUnknownTag is a sentinel distinguishing a forward-compatible unknown
// tag from a genuine decode failure; callers should log and skip rather
// than close the channel.
type errUnknownTag struct{ tag Tag }

func (e errUnknownTag) Error() string {
	return fmt.Sprintf("wire: unknown frame tag %d", byte(e.tag))
}

// IsUnknownTag reports whether err was produced because of an unrecognised
// frame tag, as opposed to a transport or decode failure.
func IsUnknownTag(err error) bool {
	_, ok := err.(errUnknownTag)
	return ok
}

// WriteHandshake and ReadHandshake exchange the uid handshake frame, which
// precedes any enveloped frame and carries no tag byte of its own — the
// handshake is a fixed, first-thing-on-the-wire message.
func WriteHandshake(w io.Writer, hs Handshake) error {
	body, err := msgpack.Marshal(hs)
	if err != nil {
		return fmt.Errorf("wire: marshal handshake: %w", err)
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))

	full := append(header, body...)
	if _, err := w.Write(full); err != nil {
		return fmt.Errorf("wire: write handshake: %w", err)
	}
	return nil
}

func ReadHandshake(r io.Reader) (Handshake, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return Handshake{}, err
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 || length > MaxFrameSize {
		return Handshake{}, fmt.Errorf(
			"wire: invalid handshake length %d", length,
		)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Handshake{}, err
	}

	var hs Handshake
	if err := msgpack.Unmarshal(body, &hs); err != nil {
		return Handshake{}, fmt.Errorf(
			"wire: decode handshake: %w", err,
		)
	}
	return hs, nil
}
