package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"inkwell/collab/internal/identity"
)

// Topic suffixes under the per-document prefix. Subscribed on connect.
const (
	topicContent   = "content"
	topicJoin      = "join"
	topicLeave     = "leave"
	topicCursor    = "cursor"
	topicPresence  = "presence"
	topicTyping    = "typing"
	topicSelection = "selection"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// Defaults applied to optional peer-supplied profile fields. A missing
// color falls back to the deterministic per-sender palette color instead of
// a fixed value.
const (
	defaultName  = "Anonymous"
	defaultEmail = ""
)

var (
	errNotObject     = errors.New("message is not an object")
	errMissingSender = errors.New("message has no sender")
	errOwnEcho       = errors.New("message echoes the local client")
)

// Peer is the profile advertised with join, leave and presence messages.
type Peer struct {
	SenderID string `json:"senderId"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Color    string `json:"color"`
}

// CursorEvent is a validated remote cursor position.
type CursorEvent struct {
	Peer
	Position int `json:"position"`
}

// SelectionEvent is a validated remote selection range.
type SelectionEvent struct {
	Peer
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// TypingEvent is a remote typing indicator.
type TypingEvent struct {
	Peer
	Typing bool `json:"typing"`
}

// PresenceEvent is a remote online/offline heartbeat.
type PresenceEvent struct {
	Peer
	Status string `json:"status"`
}

// ContentEvent carries a document fragment over the alternate content topic.
type ContentEvent struct {
	Peer
	Fragment json.RawMessage `json:"fragment"`
}

// Every inbound message is peer-supplied and therefore adversarial-or-buggy
// until proven otherwise. Each parse function below is the single validation
// boundary for its message type: it either returns a fully normalized event
// or an error, and nothing downstream ever touches raw peer data.

// parseEnvelope decodes the common object shape and enforces sender rules.
func parseEnvelope(data []byte, selfID string) (map[string]any, Peer, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, Peer{}, errNotObject
	}
	sender := stringField(m, "senderId")
	if sender == "" {
		return nil, Peer{}, errMissingSender
	}
	if sender == selfID {
		return nil, Peer{}, errOwnEcho
	}
	p := Peer{
		SenderID: sender,
		Name:     stringField(m, "name"),
		Email:    stringField(m, "email"),
		Color:    stringField(m, "color"),
	}
	// Missing profile fields fall back to defaults, never to rejection.
	if p.Name == "" {
		p.Name = defaultName
	}
	if p.Email == "" {
		p.Email = defaultEmail
	}
	if p.Color == "" {
		p.Color = identity.ColorFor(sender)
	}
	return m, p, nil
}

func parsePeer(data []byte, selfID string) (Peer, error) {
	_, p, err := parseEnvelope(data, selfID)
	return p, err
}

func parseCursor(data []byte, selfID string) (CursorEvent, error) {
	m, p, err := parseEnvelope(data, selfID)
	if err != nil {
		return CursorEvent{}, err
	}
	pos, err := coerceNumber(m["position"])
	if err != nil {
		return CursorEvent{}, fmt.Errorf("cursor position: %w", err)
	}
	if pos < 0 {
		return CursorEvent{}, fmt.Errorf("cursor position %v is negative", pos)
	}
	return CursorEvent{Peer: p, Position: int(pos)}, nil
}

func parseSelection(data []byte, selfID string) (SelectionEvent, error) {
	m, p, err := parseEnvelope(data, selfID)
	if err != nil {
		return SelectionEvent{}, err
	}
	start, err := coerceNumber(m["start"])
	if err != nil {
		return SelectionEvent{}, fmt.Errorf("selection start: %w", err)
	}
	end, err := coerceNumber(m["end"])
	if err != nil {
		return SelectionEvent{}, fmt.Errorf("selection end: %w", err)
	}
	if start < 0 || end < 0 {
		return SelectionEvent{}, fmt.Errorf("selection %v..%v has a negative bound", start, end)
	}
	if start >= end {
		return SelectionEvent{}, fmt.Errorf("selection %v..%v is empty or inverted", start, end)
	}
	return SelectionEvent{
		Peer:  p,
		Start: int(start),
		End:   int(end),
		Text:  stringField(m, "text"),
	}, nil
}

func parseTyping(data []byte, selfID string) (TypingEvent, error) {
	m, p, err := parseEnvelope(data, selfID)
	if err != nil {
		return TypingEvent{}, err
	}
	typing, _ := m["typing"].(bool)
	return TypingEvent{Peer: p, Typing: typing}, nil
}

func parsePresence(data []byte, selfID string) (PresenceEvent, error) {
	m, p, err := parseEnvelope(data, selfID)
	if err != nil {
		return PresenceEvent{}, err
	}
	status := stringField(m, "status")
	if status != statusOnline && status != statusOffline {
		status = statusOnline
	}
	return PresenceEvent{Peer: p, Status: status}, nil
}

func parseContent(data []byte, selfID string) (ContentEvent, error) {
	m, p, err := parseEnvelope(data, selfID)
	if err != nil {
		return ContentEvent{}, err
	}
	raw, err := json.Marshal(m["fragment"])
	if err != nil || string(raw) == "null" {
		return ContentEvent{}, errors.New("content message has no fragment")
	}
	return ContentEvent{Peer: p, Fragment: raw}, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// coerceNumber accepts JSON numbers and numeric strings, the two shapes
// peers actually send, and rejects everything that is not a finite number.
func coerceNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, errors.New("not a finite number")
		}
		return n, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, errors.New("not a finite number")
		}
		return f, nil
	case nil:
		return 0, errors.New("missing")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
