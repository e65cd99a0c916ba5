// Package transport maintains the websocket sync channel between one open
// document and the relay. It carries durable CRDT update fragments plus the
// piggybacked awareness broadcast, reconnects with capped exponential
// backoff, and re-announces identity and awareness on every reconnect so
// peers always see a fresh join.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"inkwell/collab/internal/identity"
	"inkwell/collab/internal/protocol"
)

// State is the sync channel's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSynced:
		return "synced"
	default:
		return "disconnected"
	}
}

// Settings holds the transport tunables.
type Settings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	// MaxRetries bounds consecutive failed connection attempts. Once
	// exhausted the transport reports a terminal disconnect instead of
	// retrying forever silently.
	MaxRetries int
}

// DefaultSettings returns the production tunables.
func DefaultSettings() *Settings {
	return &Settings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     20 * time.Second,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		MaxRetries:       10,
	}
}

// Callbacks connect the transport to its consumer. All callbacks are
// invoked from the transport's goroutines; nil callbacks are skipped.
type Callbacks struct {
	// OnFragment delivers a remote update fragment to merge.
	OnFragment func(fragment []byte)
	// OnAwareness delivers the full remote awareness roster after any
	// participant's ephemeral state changes. The local client is excluded.
	OnAwareness func(states map[string]protocol.Awareness)
	// OnState reports connection state changes.
	OnState func(state State)
	// LocalState returns the full document as an update fragment. Called on
	// every successful connect so offline edits reach the relay.
	LocalState func() []byte
}

// SyncTransport is the client end of the sync channel for one document.
type SyncTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	relayURL string
	doc      string
	ident    identity.Identity
	settings *Settings
	cb       Callbacks

	send chan []byte

	mu        sync.Mutex
	state     State
	started   bool
	awareness protocol.Awareness
	remote    map[string]protocol.Awareness
}

// New creates a transport for one document. It does not connect; call
// Connect once the local durable snapshot has loaded.
func New(ctx context.Context, relayURL, doc string, ident identity.Identity, settings *Settings, cb Callbacks) *SyncTransport {
	if settings == nil {
		settings = DefaultSettings()
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SyncTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		relayURL: relayURL,
		doc:      doc,
		ident:    ident,
		settings: settings,
		cb:       cb,
		send:     make(chan []byte, 64),
		awareness: protocol.Awareness{
			Identity: ident,
		},
		remote: make(map[string]protocol.Awareness),
	}
}

// Connect starts the connection loop. Calling it again while the transport
// is already running is a no-op; it never double-registers.
func (t *SyncTransport) Connect() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()
	go t.run()
}

// State returns the current connection state.
func (t *SyncTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SendFragment queues an update fragment for broadcast. While disconnected
// the fragment may be dropped locally; the full-state announcement on the
// next reconnect repairs any gap.
func (t *SyncTransport) SendFragment(fragment []byte) {
	if len(fragment) == 0 {
		return
	}
	frame := protocol.Frame{Type: protocol.TypeUpdate, Doc: t.doc, Sender: t.ident.ID, Payload: fragment}
	select {
	case t.send <- protocol.Encode(frame):
	default:
		log.Printf("transport: send queue full, dropping fragment for %s", t.doc)
	}
}

// SetCursor overwrites the advertised cursor and broadcasts the full local
// state. Each awareness field is last-write-wins on its own; updating the
// cursor leaves the selection untouched.
func (t *SyncTransport) SetCursor(cursor *protocol.Cursor) {
	t.mu.Lock()
	t.awareness.Cursor = cursor
	aw := t.awareness
	t.mu.Unlock()
	t.queueAwareness(aw)
}

// SetSelection overwrites the advertised selection, leaving the cursor
// untouched.
func (t *SyncTransport) SetSelection(selection *protocol.Selection) {
	t.mu.Lock()
	t.awareness.Selection = selection
	aw := t.awareness
	t.mu.Unlock()
	t.queueAwareness(aw)
}

// Close tears the transport down: pending reconnect timers are cancelled
// and no callback fires afterwards against the closed document.
func (t *SyncTransport) Close() {
	t.cancel()
}

func (t *SyncTransport) queueAwareness(aw protocol.Awareness) {
	data, err := protocol.EncodeWithPayload(protocol.TypeAwareness, t.doc, t.ident.ID, aw)
	if err != nil {
		log.Printf("transport: encode awareness: %v", err)
		return
	}
	select {
	case t.send <- data:
	default:
		// Awareness is lossy by design; a newer state follows soon.
	}
}

func (t *SyncTransport) setState(s State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	cb := t.cb.OnState
	t.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// clearRemote drops all remote awareness records. A disconnect invalidates
// them; fresh broadcasts repopulate the roster after reconnect.
func (t *SyncTransport) clearRemote() {
	t.mu.Lock()
	changed := len(t.remote) > 0
	t.remote = make(map[string]protocol.Awareness)
	t.mu.Unlock()
	if changed {
		t.notifyAwareness()
	}
}

func (t *SyncTransport) notifyAwareness() {
	t.mu.Lock()
	cb := t.cb.OnAwareness
	states := make(map[string]protocol.Awareness, len(t.remote))
	for k, v := range t.remote {
		states[k] = v
	}
	t.mu.Unlock()
	if cb != nil {
		cb(states)
	}
}

func (t *SyncTransport) run() {
	defer t.setState(StateDisconnected)
	defer t.clearRemote()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.settings.InitialBackoff
	bo.MaxInterval = t.settings.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	failures := 0
	for {
		if t.ctx.Err() != nil {
			return
		}
		t.setState(StateConnecting)

		ws, err := t.dial()
		if err != nil {
			failures++
			if failures > t.settings.MaxRetries {
				log.Printf("transport: %s: retries exhausted, collaboration unavailable: %v", t.doc, err)
				return
			}
			log.Printf("transport: %s: connect attempt %d failed: %v", t.doc, failures, err)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}

		failures = 0
		bo.Reset()
		t.setState(StateConnected)
		t.handle(ws)

		// Connection lost: stale remote awareness is meaningless now.
		t.clearRemote()
		if t.ctx.Err() != nil {
			return
		}
		t.setState(StateConnecting)
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// dial establishes the websocket and performs the announce sequence: hello,
// full local state, current awareness. Peers therefore observe a fresh join
// on every reconnect.
func (t *SyncTransport) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: t.settings.HandshakeTimeout}
	ws, _, err := dialer.DialContext(t.ctx, t.relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	hello, err := protocol.EncodeWithPayload(protocol.TypeHello, t.doc, t.ident.ID, protocol.Hello{Identity: t.ident})
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, hello); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	if t.cb.LocalState != nil {
		if state := t.cb.LocalState(); len(state) > 0 {
			frame := protocol.Frame{Type: protocol.TypeUpdate, Doc: t.doc, Sender: t.ident.ID, Payload: state}
			ws.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, protocol.Encode(frame)); err != nil {
				return nil, fmt.Errorf("send local state: %w", err)
			}
		}
	}

	t.mu.Lock()
	aw := t.awareness
	t.mu.Unlock()
	t.queueAwareness(aw)

	success = true
	return ws, nil
}

// handle runs the read and write pumps for one connection and returns when
// either fails or the transport is closed.
func (t *SyncTransport) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(t.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-t.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					log.Printf("transport: %s: write: %v", t.doc, err)
					return
				}
			case <-time.After(t.settings.PingInterval):
				ws.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()
		// The relay answers our pings with pongs; both pongs and data
		// frames extend the read deadline, so an idle but healthy
		// connection never times out.
		ws.SetReadDeadline(time.Now().Add(t.settings.ReadTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(t.settings.ReadTimeout))
		})
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				if handleCtx.Err() == nil {
					log.Printf("transport: %s: read: %v", t.doc, err)
				}
				return
			}
			ws.SetReadDeadline(time.Now().Add(t.settings.ReadTimeout))
			t.dispatch(message)
		}
	}()

	<-handleCtx.Done()
}

// dispatch routes one inbound frame. Malformed frames are dropped and
// logged; nothing a peer sends can take the channel down.
func (t *SyncTransport) dispatch(message []byte) {
	frame, err := protocol.Decode(message)
	if err != nil {
		log.Printf("transport: %s: dropping frame: %v", t.doc, err)
		return
	}
	switch frame.Type {
	case protocol.TypeSync:
		t.setState(StateSynced)
	case protocol.TypeUpdate:
		if frame.Sender == t.ident.ID {
			return
		}
		if t.cb.OnFragment != nil && len(frame.Payload) > 0 {
			t.cb.OnFragment(frame.Payload)
		}
	case protocol.TypeAwareness:
		if frame.Sender == "" || frame.Sender == t.ident.ID {
			return
		}
		var aw protocol.Awareness
		if err := json.Unmarshal(frame.Payload, &aw); err != nil {
			log.Printf("transport: %s: dropping awareness from %s: %v", t.doc, frame.Sender, err)
			return
		}
		t.mu.Lock()
		t.remote[frame.Sender] = aw
		t.mu.Unlock()
		t.notifyAwareness()
	case protocol.TypeBye:
		if frame.Sender == "" || frame.Sender == t.ident.ID {
			return
		}
		t.mu.Lock()
		_, had := t.remote[frame.Sender]
		delete(t.remote, frame.Sender)
		t.mu.Unlock()
		if had {
			t.notifyAwareness()
		}
	}
}
