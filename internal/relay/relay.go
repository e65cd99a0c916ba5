// Package relay implements the central sync relay: a websocket hub per
// document that fans update fragments out to every other connected client,
// replays the shared history to joiners, and acknowledges once a client is
// caught up. The relay never interprets fragment contents; merge semantics
// live entirely in the clients.
package relay

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"inkwell/collab/internal/protocol"
)

const (
	helloTimeout   = 10 * time.Second
	writeWait      = 10 * time.Second
	readWait       = 90 * time.Second
	sendBufferSize = 64
	// replayWait bounds how long the hub waits on one client's queue while
	// replaying history. A client that cannot drain within this window is
	// disconnected rather than handed an incomplete history.
	replayWait = 15 * time.Second
)

// Server accepts sync connections and routes them to per-document hubs.
type Server struct {
	ctx     context.Context
	cancel  context.CancelFunc
	history History

	upgrader websocket.Upgrader

	mu   sync.Mutex
	hubs map[string]*hub
}

// NewServer creates a relay server backed by the given history store.
func NewServer(history History) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		ctx:     ctx,
		cancel:  cancel,
		history: history,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		hubs: make(map[string]*hub),
	}
}

// Handler returns the HTTP handler exposing the sync endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.serveSync)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Close shuts down all hubs and disconnects every client.
func (s *Server) Close() {
	s.cancel()
}

func (s *Server) hub(doc string) *hub {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hubs[doc]
	if !ok {
		h = newHub(s, doc)
		s.hubs[doc] = h
		go h.run()
	}
	return h
}

// serveSync upgrades the connection and waits for the hello frame naming
// the document and identity before attaching the client to a hub.
func (s *Server) serveSync(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: upgrade: %v", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, message, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	frame, err := protocol.Decode(message)
	if err != nil || frame.Type != protocol.TypeHello || frame.Doc == "" || frame.Sender == "" {
		log.Printf("relay: rejecting connection without valid hello")
		conn.Close()
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		sender: frame.Sender,
	}
	h := s.hub(frame.Doc)
	h.register <- c

	go c.writePump()
	c.readPump(h)
}

// inbound is a frame received from one client, to be routed by its hub.
type inbound struct {
	from  *client
	frame protocol.Frame
	raw   []byte
}

// hub owns all connections for one document. All client-map access happens
// on the hub goroutine.
type hub struct {
	server *Server
	doc    string

	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan inbound
}

func newHub(s *Server, doc string) *hub {
	return &hub{
		server:     s,
		doc:        doc,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan inbound),
	}
}

func (h *hub) run() {
	for {
		select {
		case <-h.server.ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return

		case c := <-h.register:
			if !h.replay(c) {
				close(c.send)
				log.Printf("relay: %s: client %s dropped during replay", h.doc, c.sender)
				continue
			}
			h.clients[c] = true
			log.Printf("relay: %s: client %s joined (%d connected)", h.doc, c.sender, len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			delete(h.clients, c)
			close(c.send)
			log.Printf("relay: %s: client %s left (%d connected)", h.doc, c.sender, len(h.clients))
			// Tell the remaining clients to drop this peer's awareness.
			bye := protocol.Encode(protocol.Frame{Type: protocol.TypeBye, Doc: h.doc, Sender: c.sender})
			for other := range h.clients {
				other.trySend(bye)
			}

		case in := <-h.broadcast:
			h.route(in)
		}
	}
}

// replay brings a joining client up to date: full fragment history, the
// current awareness of everyone already here, then the sync acknowledgment.
// History frames and the sync ack are never dropped: the client either
// receives the complete replay or it is disconnected (and reconnects for
// another attempt). Only the awareness replay is lossy.
func (h *hub) replay(c *client) bool {
	frames, err := h.server.history.Load(h.server.ctx, h.doc)
	if err != nil {
		log.Printf("relay: %s: history load: %v", h.doc, err)
	}
	for _, f := range frames {
		if !c.deliver(h.server.ctx.Done(), f) {
			return false
		}
	}
	for other := range h.clients {
		if len(other.lastAwareness) > 0 {
			c.trySend(other.lastAwareness)
		}
	}
	return c.deliver(h.server.ctx.Done(), protocol.Encode(protocol.Frame{Type: protocol.TypeSync, Doc: h.doc}))
}

func (h *hub) route(in inbound) {
	switch in.frame.Type {
	case protocol.TypeUpdate:
		if err := h.server.history.Append(h.server.ctx, h.doc, in.raw); err != nil {
			log.Printf("relay: %s: history append: %v", h.doc, err)
		}
		// Update frames must not be silently lost. A client whose queue is
		// full gets dropped instead; it reconnects and catches up through
		// history replay.
		var stalled []*client
		for c := range h.clients {
			if c == in.from {
				continue
			}
			if !c.trySend(in.raw) {
				stalled = append(stalled, c)
			}
		}
		for _, c := range stalled {
			h.drop(c)
		}
	case protocol.TypeAwareness:
		in.from.lastAwareness = in.raw
		for c := range h.clients {
			if c != in.from {
				c.trySend(in.raw)
			}
		}
	case protocol.TypeBye:
		for c := range h.clients {
			if c != in.from {
				c.trySend(in.raw)
			}
		}
	}
}

// client is one websocket connection attached to a hub.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	sender string

	// lastAwareness is the client's most recent awareness frame, replayed
	// to joiners. Accessed only on the hub goroutine.
	lastAwareness []byte
}

// drop disconnects a client that cannot keep up with the update stream.
// Runs on the hub goroutine; the client must be in the map.
func (h *hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	log.Printf("relay: %s: dropping client %s: send queue full (%d connected)", h.doc, c.sender, len(h.clients))
	bye := protocol.Encode(protocol.Frame{Type: protocol.TypeBye, Doc: h.doc, Sender: c.sender})
	for other := range h.clients {
		other.trySend(bye)
	}
}

// trySend queues a message without blocking the hub. Used for awareness and
// bye frames, which are lossy; update frames go through deliver or drop the
// client instead.
func (c *client) trySend(message []byte) bool {
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// deliver queues a message, waiting up to replayWait for room. Reports false
// when the client cannot take it; the caller disconnects the client.
func (c *client) deliver(done <-chan struct{}, message []byte) bool {
	select {
	case c.send <- message:
		return true
	default:
	}
	timer := time.NewTimer(replayWait)
	defer timer.Stop()
	select {
	case c.send <- message:
		return true
	case <-timer.C:
		return false
	case <-done:
		return false
	}
}

func (c *client) readPump(h *hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.server.ctx.Done():
		}
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPingHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))

		frame, err := protocol.Decode(message)
		if err != nil {
			log.Printf("relay: %s: dropping frame from %s: %v", h.doc, c.sender, err)
			continue
		}
		// A client only ever speaks for itself and for its own document.
		if frame.Doc != h.doc || frame.Sender != c.sender {
			log.Printf("relay: %s: dropping spoofed frame from %s", h.doc, c.sender)
			continue
		}
		select {
		case h.broadcast <- inbound{from: c, frame: frame, raw: message}:
		case <-h.server.ctx.Done():
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
