// Package session is the orchestration layer binding one open document to
// its CRDT engine, local durable store, sync transport and presence channel.
// It enforces the initialization order (durable load before any network
// connection), guards against duplicate opens, merges both channels into a
// single collaborator roster, and guarantees clean teardown per
// document-open/close cycle.
package session

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"inkwell/collab/internal/crdt"
	"inkwell/collab/internal/identity"
	"inkwell/collab/internal/localstore"
	"inkwell/collab/internal/presence"
	"inkwell/collab/internal/protocol"
	"inkwell/collab/internal/transport"
)

// Options configures how sessions connect.
type Options struct {
	// RelayURL is the websocket sync endpoint. Empty disables the sync
	// transport.
	RelayURL string
	// RedisURL is the presence broker. Empty disables the presence channel.
	RedisURL string
	// Collaboration switches both network channels on. When false the
	// session is local-only: durable, editable, never connected.
	Collaboration bool
	// PeerTTL evicts collaborators with no heartbeat or activity for this
	// long. Zero means the default of 90 seconds.
	PeerTTL time.Duration

	Transport *transport.Settings
	Presence  *presence.Settings

	// OnStatus fires after any connection or roster change.
	OnStatus func(Status)
}

const defaultPeerTTL = 90 * time.Second

// Cursor is a collaborator's caret position.
type Cursor struct {
	Position int
}

// Selection is a collaborator's selected range.
type Selection struct {
	From int
	To   int
}

// Collaborator is one remote participant as rendered by the editor. The
// local client never appears in the set.
type Collaborator struct {
	ID        string
	Name      string
	Email     string
	Color     string
	Cursor    *Cursor
	Selection *Selection
	Typing    bool
}

// Status is the single view the editor binds to.
type Status struct {
	// Connected reports the sync transport state.
	Connected bool
	// Synced is true only after the local durable load completed and the
	// relay confirmed the client is caught up.
	Synced bool
	// PresenceConnected reports the signal channel independently.
	PresenceConnected bool
	Collaborators     []Collaborator
}

// Manager opens and tracks sessions, one per document. It owns the shared
// local durable store.
type Manager struct {
	store *localstore.Store
	opts  Options

	mu     sync.Mutex
	active map[string]*Session
}

// NewManager creates a session manager over an open durable store.
func NewManager(store *localstore.Store, opts Options) *Manager {
	return &Manager{
		store:  store,
		opts:   opts,
		active: make(map[string]*Session),
	}
}

// Open binds a document to a new session. If a session for the document is
// already open or opening, that session is returned and no second set of
// connections is created.
func (m *Manager) Open(ctx context.Context, documentID string, ident identity.Identity) *Session {
	m.mu.Lock()
	if s, ok := m.active[documentID]; ok {
		m.mu.Unlock()
		return s
	}
	s := newSession(ctx, m, documentID, ident)
	m.active[documentID] = s
	m.mu.Unlock()

	s.start()
	return s
}

// Close tears down every open session. The durable store stays open; the
// caller that opened it closes it.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

func (m *Manager) release(documentID string, s *Session) {
	m.mu.Lock()
	if m.active[documentID] == s {
		delete(m.active, documentID)
	}
	m.mu.Unlock()
}

// rosterEntry tracks one remote participant across both channels.
type rosterEntry struct {
	collab        Collaborator
	lastSeen      time.Time
	fromAwareness bool
}

// Session is one open document wired for collaboration.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	manager    *Manager
	documentID string
	ident      identity.Identity

	doc *crdt.Document
	tr  *transport.SyncTransport
	pr  *presence.Channel

	mu               sync.Mutex
	persistenceReady bool
	transportState   transport.State
	presenceUp       bool
	closed           bool
	roster           map[string]*rosterEntry

	// persistCh hands the latest snapshot to the background writer; an
	// unwritten older snapshot is replaced, never queued behind.
	persistCh      chan []byte
	persistMu      sync.Mutex
	persistStopped bool
}

func newSession(ctx context.Context, m *Manager, documentID string, ident identity.Identity) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	ident = identity.Normalize(ident)
	return &Session{
		ctx:        cancelCtx,
		cancel:     cancel,
		manager:    m,
		documentID: documentID,
		ident:      ident,
		doc:        crdt.NewDocument(ident.ID),
		roster:     make(map[string]*rosterEntry),
		persistCh:  make(chan []byte, 1),
	}
}

// start runs the mandatory initialization order: durable load, then mark
// persistence ready, then (if enabled) sync transport, then presence.
func (s *Session) start() {
	snapshot, err := s.manager.store.Load(s.documentID)
	if err != nil {
		// Recoverable: the session continues in memory and persists on the
		// next change.
		log.Printf("session: %s: durable load: %v", s.documentID, err)
	} else if err := s.doc.Load(snapshot); err != nil {
		log.Printf("session: %s: corrupt snapshot ignored: %v", s.documentID, err)
	}

	s.mu.Lock()
	s.persistenceReady = true
	s.mu.Unlock()
	go s.persistLoop()

	opts := s.manager.opts
	if !opts.Collaboration {
		s.notify()
		return
	}

	if opts.RelayURL != "" {
		s.tr = transport.New(s.ctx, opts.RelayURL, s.documentID, s.ident, opts.Transport, transport.Callbacks{
			OnFragment:  s.applyRemote,
			OnAwareness: s.applyAwareness,
			OnState:     s.onTransportState,
			LocalState:  s.doc.StateFragment,
		})
		s.tr.Connect()
	}

	if opts.RedisURL != "" {
		pr, err := presence.New(s.ctx, opts.RedisURL, s.documentID, s.ident, opts.Presence, presence.Events{
			OnJoin:      s.onPeerJoin,
			OnLeave:     s.onPeerLeave,
			OnCursor:    s.onPeerCursor,
			OnSelection: s.onPeerSelection,
			OnTyping:    s.onPeerTyping,
			OnPresence:  s.onPeerPresence,
			OnContent:   s.applyRemote,
			OnState:     s.onPresenceState,
		})
		if err != nil {
			// Degrade: document sync still works without signals.
			log.Printf("session: %s: presence unavailable: %v", s.documentID, err)
		} else {
			s.pr = pr
			s.pr.Connect()
		}
	}

	go s.sweepStale()
	s.notify()
}

// Text returns the current document content.
func (s *Session) Text() string {
	return s.doc.Text()
}

// Insert applies a local edit. It always succeeds, network or not, and the
// durable snapshot is updated before any broadcast.
func (s *Session) Insert(index int, text string) {
	frag := s.doc.Insert(index, text)
	if frag == nil {
		return
	}
	s.persist()
	if s.tr != nil {
		s.tr.SendFragment(frag)
	}
	if s.pr != nil {
		s.pr.Typing()
	}
}

// Delete applies a local deletion, mirroring Insert.
func (s *Session) Delete(index, count int) {
	frag := s.doc.Delete(index, count)
	if frag == nil {
		return
	}
	s.persist()
	if s.tr != nil {
		s.tr.SendFragment(frag)
	}
	if s.pr != nil {
		s.pr.Typing()
	}
}

// SetCursor advertises the local caret on both channels. The presence side
// debounces and threshold-suppresses; the awareness side is last-write-wins.
func (s *Session) SetCursor(position int) {
	if s.tr != nil {
		s.tr.SetCursor(&protocol.Cursor{Position: position})
	}
	if s.pr != nil {
		s.pr.SendCursor(position)
	}
}

// SetSelection advertises the local selection with its text snippet.
func (s *Session) SetSelection(from, to int, text string) {
	if s.tr != nil {
		s.tr.SetSelection(&protocol.Selection{From: from, To: to})
	}
	if s.pr != nil {
		s.pr.SendSelection(from, to, text)
	}
}

// Status returns the connection and collaborator view for the editor.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Connected:         s.transportState == transport.StateConnected || s.transportState == transport.StateSynced,
		Synced:            s.persistenceReady && s.transportState == transport.StateSynced,
		PresenceConnected: s.presenceUp,
	}
	for _, e := range s.roster {
		st.Collaborators = append(st.Collaborators, e.collab)
	}
	sort.Slice(st.Collaborators, func(i, j int) bool {
		return st.Collaborators[i].ID < st.Collaborators[j].ID
	})
	return st
}

// Close tears the session down. Safe to call multiple times: retries and
// sweep timers are cancelled, both channels disconnect, and the roster is
// cleared. The final snapshot is persisted first.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// Final snapshot is written synchronously, after stopping the
	// background writer so no stale write can land on top of it.
	s.persistMu.Lock()
	s.persistStopped = true
	s.manager.store.Persist(s.documentID, s.doc.Snapshot())
	s.persistMu.Unlock()

	if s.pr != nil {
		s.pr.Close()
	}
	if s.tr != nil {
		s.tr.Close()
	}
	s.cancel()

	s.mu.Lock()
	s.roster = make(map[string]*rosterEntry)
	s.mu.Unlock()

	s.manager.release(s.documentID, s)
}

// persist queues the current snapshot for the background writer. The edit
// path never waits on the disk; a newer snapshot replaces an unwritten
// older one.
func (s *Session) persist() {
	snapshot := s.doc.Snapshot()
	for {
		select {
		case s.persistCh <- snapshot:
			return
		default:
		}
		select {
		case <-s.persistCh:
		default:
		}
	}
}

func (s *Session) persistLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case snapshot := <-s.persistCh:
			s.persistMu.Lock()
			if !s.persistStopped {
				s.manager.store.Persist(s.documentID, snapshot)
			}
			s.persistMu.Unlock()
		}
	}
}

func (s *Session) applyRemote(fragment []byte) {
	if err := s.doc.ApplyRemote(fragment); err != nil {
		log.Printf("session: %s: dropping remote fragment: %v", s.documentID, err)
		return
	}
	s.persist()
	s.notify()
}

// applyAwareness rebuilds the awareness-derived part of the roster from the
// full remote state map. Peers that vanished from awareness but are still
// known through presence keep their entry, minus the ephemeral fields.
func (s *Session) applyAwareness(states map[string]protocol.Awareness) {
	now := time.Now()
	s.mu.Lock()
	for id, e := range s.roster {
		if _, ok := states[id]; ok || !e.fromAwareness {
			continue
		}
		delete(s.roster, id)
	}
	for id, aw := range states {
		e := s.entry(id)
		e.fromAwareness = true
		e.lastSeen = now
		if aw.Identity.Name != "" {
			e.collab.Name = aw.Identity.Name
		}
		if aw.Identity.Email != "" {
			e.collab.Email = aw.Identity.Email
		}
		if aw.Identity.Color != "" {
			e.collab.Color = aw.Identity.Color
		}
		e.collab.Cursor = nil
		if aw.Cursor != nil {
			e.collab.Cursor = &Cursor{Position: aw.Cursor.Position}
		}
		e.collab.Selection = nil
		if aw.Selection != nil {
			e.collab.Selection = &Selection{From: aw.Selection.From, To: aw.Selection.To}
		}
	}
	s.mu.Unlock()
	s.notify()
}

// entry returns the roster entry for a peer, creating it with profile
// defaults. Caller holds s.mu.
func (s *Session) entry(id string) *rosterEntry {
	e, ok := s.roster[id]
	if !ok {
		e = &rosterEntry{collab: Collaborator{ID: id, Color: identity.ColorFor(id)}}
		s.roster[id] = e
	}
	return e
}

func (s *Session) touchPeer(p presence.Peer) *rosterEntry {
	e := s.entry(p.SenderID)
	e.lastSeen = time.Now()
	if p.Name != "" {
		e.collab.Name = p.Name
	}
	if p.Email != "" {
		e.collab.Email = p.Email
	}
	if p.Color != "" {
		e.collab.Color = p.Color
	}
	return e
}

func (s *Session) onPeerJoin(p presence.Peer) {
	s.mu.Lock()
	s.touchPeer(p)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) onPeerLeave(p presence.Peer) {
	s.mu.Lock()
	delete(s.roster, p.SenderID)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) onPeerCursor(ev presence.CursorEvent) {
	s.mu.Lock()
	e := s.touchPeer(ev.Peer)
	e.collab.Cursor = &Cursor{Position: ev.Position}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) onPeerSelection(ev presence.SelectionEvent) {
	s.mu.Lock()
	e := s.touchPeer(ev.Peer)
	e.collab.Selection = &Selection{From: ev.Start, To: ev.End}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) onPeerTyping(ev presence.TypingEvent) {
	s.mu.Lock()
	e := s.touchPeer(ev.Peer)
	e.collab.Typing = ev.Typing
	s.mu.Unlock()
	s.notify()
}

func (s *Session) onPeerPresence(ev presence.PresenceEvent) {
	s.mu.Lock()
	if ev.Status == "offline" {
		delete(s.roster, ev.SenderID)
	} else {
		s.touchPeer(ev.Peer)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) onTransportState(st transport.State) {
	s.mu.Lock()
	s.transportState = st
	s.mu.Unlock()
	s.notify()
}

func (s *Session) onPresenceState(up bool) {
	s.mu.Lock()
	s.presenceUp = up
	s.mu.Unlock()
	s.notify()
}

// sweepStale evicts peers whose last heartbeat or activity is older than
// the TTL, so a stale join alone never keeps a collaborator visible.
func (s *Session) sweepStale() {
	ttl := s.manager.opts.PeerTTL
	if ttl <= 0 {
		ttl = defaultPeerTTL
	}
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-ttl)
			changed := false
			s.mu.Lock()
			for id, e := range s.roster {
				// Awareness entries live and die with the sync connection;
				// only presence-derived entries rely on heartbeats.
				if !e.fromAwareness && e.lastSeen.Before(cutoff) {
					delete(s.roster, id)
					changed = true
				}
			}
			s.mu.Unlock()
			if changed {
				s.notify()
			}
		}
	}
}

func (s *Session) notify() {
	cb := s.manager.opts.OnStatus
	if cb == nil {
		return
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	cb(s.Status())
}
