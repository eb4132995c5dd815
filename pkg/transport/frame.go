package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame to defend against a malicious or
// corrupt length prefix demanding an unbounded read.
const MaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame's declared length exceeds
// MaxFrameSize; the caller must close the connection.
var ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")

// WriteFrame writes a 4-byte big-endian length prefix followed by the
// JSON-encoded envelope.
func WriteFrame(w io.Writer, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed JSON envelope. A corrupt frame
// (oversized length, truncated body, invalid JSON) returns an error; the
// caller must close the connection rather than attempt to resync.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// Encode marshals v into a RawMessage payload for an Envelope.
func Encode(v interface{}) RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// v is always one of our own payload structs; a marshal failure
		// here means a programming error, not a runtime condition.
		panic(fmt.Sprintf("transport: encode payload: %v", err))
	}
	return b
}

// Decode unmarshals an envelope's payload into v.
func Decode(payload RawMessage, v interface{}) error {
	return json.Unmarshal(payload, v)
}
