// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Frame tags identify the type of each IPC message.
// Client-to-server tags are in the 0x01-0x0F range.
// Server-to-client tags are in the 0x10-0x1F range.
const (
	TagHello byte = 0x01 // C→S: CBOR Hello, first frame of a connection
	TagCall  byte = 0x02 // C→S: CBOR Call
	TagEvent  byte = 0x03 // C→S: CBOR Event
	TagAnswer byte = 0x04 // C→S: CBOR Reply to an Invoke

	TagReply  byte = 0x10 // S→C: CBOR Reply
	TagPush   byte = 0x11 // S→C: CBOR Event pushed by the server
	TagInvoke byte = 0x12 // S→C: CBOR Call the server asks the client to run
)

// StatusUnimplemented answers an Invoke the client does not serve.
const StatusUnimplemented = "unimplemented"

// MaxFrameSize bounds a single frame's payload.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge reports a frame whose declared length exceeds
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// Hello opens a session. Session and Token are carried opaquely.
type Hello struct {
	Session string `cbor:"session,omitempty"`
	Token   string `cbor:"token,omitempty"`
	API     string `cbor:"api,omitempty"` // default api for verb-only calls
}

// Call asks the server to run api/verb with JSON-encoded Args.
type Call struct {
	ID   uint64 `cbor:"id"`
	Key  string `cbor:"key,omitempty"` // client correlation token
	API  string `cbor:"api,omitempty"`
	Verb string `cbor:"verb"`
	Args []byte `cbor:"args,omitempty"`
}

// Reply answers the Call with the same ID.
type Reply struct {
	ID     uint64 `cbor:"id"`
	Status string `cbor:"status"`
	Info   string `cbor:"info,omitempty"`
	Data   []byte `cbor:"data,omitempty"` // JSON
}

// Event is sent in either direction and never answered.
type Event struct {
	Name string `cbor:"name"`
	Data []byte `cbor:"data,omitempty"` // JSON
}

// WriteFrame writes a tagged frame: [tag:1][len:4 big-endian][payload:len].
func WriteFrame(w io.Writer, tag byte, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("write frame: %w (%d bytes)", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, 5+len(payload))
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one tagged frame, returning the tag and payload.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	tag := header[0]
	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("read frame 0x%02x: %w (%d bytes)", tag, ErrFrameTooLarge, length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return tag, payload, nil
}

// WriteCBOR writes a tagged frame with a CBOR-encoded payload.
func WriteCBOR(w io.Writer, tag byte, v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return WriteFrame(w, tag, data)
}

// Decode unmarshals a CBOR frame payload into v.
func Decode(payload []byte, v any) error {
	if err := cbor.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
