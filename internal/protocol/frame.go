// Package protocol defines the framed wire format spoken between the sync
// transport and the relay. One channel carries everything: durable document
// update fragments, ephemeral awareness broadcasts, and the relay's sync
// acknowledgment.
package protocol

import (
	"encoding/json"
	"fmt"

	"inkwell/collab/internal/identity"
)

// Frame types.
const (
	// TypeHello announces a client to the relay: document ID plus identity.
	// Sent first on every (re)connect, so peers always observe a fresh join.
	TypeHello = "hello"
	// TypeUpdate carries an opaque CRDT update fragment.
	TypeUpdate = "update"
	// TypeAwareness carries a client's full ephemeral state. Latest wins.
	TypeAwareness = "awareness"
	// TypeSync is sent by the relay once the client has been replayed the
	// shared history and is caught up.
	TypeSync = "sync"
	// TypeBye announces a clean departure.
	TypeBye = "bye"
)

// Frame is the envelope for every message on the sync channel.
type Frame struct {
	Type    string          `json:"type"`
	Doc     string          `json:"doc,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hello is the payload of a TypeHello frame.
type Hello struct {
	Identity identity.Identity `json:"identity"`
}

// Cursor is a caret position inside the document.
type Cursor struct {
	Position int `json:"position"`
}

// Selection is a half-open character range.
type Selection struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Awareness is the payload of a TypeAwareness frame: the sender's complete
// ephemeral state. Receivers replace any previous state from the same
// sender; fields are never merged.
type Awareness struct {
	Identity  identity.Identity `json:"identity"`
	Cursor    *Cursor           `json:"cursor,omitempty"`
	Selection *Selection        `json:"selection,omitempty"`
}

// Encode marshals a frame for the wire.
func Encode(f Frame) []byte {
	data, _ := json.Marshal(f)
	return data
}

// EncodeWithPayload marshals payload into a frame of the given type.
func EncodeWithPayload(frameType, doc, sender string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	return Encode(Frame{Type: frameType, Doc: doc, Sender: sender, Payload: raw}), nil
}

// Decode parses a frame and checks it names a known type. The payload is
// left raw; each consumer decodes only the payloads it understands.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case TypeHello, TypeUpdate, TypeAwareness, TypeSync, TypeBye:
		return f, nil
	default:
		return Frame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
}
