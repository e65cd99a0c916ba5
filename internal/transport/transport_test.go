package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"inkwell/collab/internal/crdt"
	"inkwell/collab/internal/identity"
	"inkwell/collab/internal/protocol"
	"inkwell/collab/internal/relay"
)

func testSettings() *Settings {
	return &Settings{
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     2 * time.Second,
		ReadTimeout:      10 * time.Second,
		PingInterval:     1 * time.Second,
		InitialBackoff:   20 * time.Millisecond,
		MaxBackoff:       100 * time.Millisecond,
		MaxRetries:       5,
	}
}

func startRelayURL(t *testing.T) (string, *httptest.Server, *relay.Server) {
	t.Helper()
	rs := relay.NewServer(relay.NewMemoryHistory())
	srv := httptest.NewServer(rs.Handler())
	t.Cleanup(func() {
		rs.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync", srv, rs
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testClient wires a CRDT replica to a transport the way the session does.
type testClient struct {
	doc   *crdt.Document
	tr    *SyncTransport
	mu    sync.Mutex
	state State
	seen  []State
	peers map[string]protocol.Awareness
}

func newTestClient(t *testing.T, url, docID, id string) *testClient {
	return newTestClientSettings(t, url, docID, id, testSettings())
}

func newTestClientSettings(t *testing.T, url, docID, id string, settings *Settings) *testClient {
	t.Helper()
	c := &testClient{
		doc:   crdt.NewDocument(id),
		peers: make(map[string]protocol.Awareness),
	}
	ident := identity.Normalize(identity.Identity{ID: id, Name: id})
	c.tr = New(context.Background(), url, docID, ident, settings, Callbacks{
		OnFragment: func(fragment []byte) {
			if err := c.doc.ApplyRemote(fragment); err != nil {
				t.Logf("apply remote: %v", err)
			}
		},
		OnAwareness: func(states map[string]protocol.Awareness) {
			c.mu.Lock()
			c.peers = states
			c.mu.Unlock()
		},
		OnState: func(s State) {
			c.mu.Lock()
			c.state = s
			c.seen = append(c.seen, s)
			c.mu.Unlock()
		},
		LocalState: c.doc.StateFragment,
	})
	t.Cleanup(c.tr.Close)
	return c
}

func (c *testClient) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *testClient) syncedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.seen {
		if s == StateSynced {
			n++
		}
	}
	return n
}

func (c *testClient) peerIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	return ids
}

func (c *testClient) peerState(id string) (protocol.Awareness, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	aw, ok := c.peers[id]
	return aw, ok
}

func TestConnectReachesSynced(t *testing.T) {
	url, _, _ := startRelayURL(t)
	a := newTestClient(t, url, "doc-1", "client-a")
	a.tr.Connect()

	waitFor(t, 3*time.Second, "synced state", func() bool {
		return a.currentState() == StateSynced
	})
}

func TestConnectIsIdempotent(t *testing.T) {
	url, _, _ := startRelayURL(t)
	a := newTestClient(t, url, "doc-1", "client-a")
	a.tr.Connect()
	a.tr.Connect()
	a.tr.Connect()

	waitFor(t, 3*time.Second, "synced state", func() bool {
		return a.currentState() == StateSynced
	})
	// A duplicate Connect must not have opened a second loop that flaps the
	// state machine.
	if n := a.syncedCount(); n != 1 {
		t.Fatalf("expected exactly one sync transition, got %d", n)
	}
}

func TestTwoClientsConverge(t *testing.T) {
	url, _, _ := startRelayURL(t)
	a := newTestClient(t, url, "doc-1", "client-a")
	b := newTestClient(t, url, "doc-1", "client-b")
	a.tr.Connect()
	b.tr.Connect()
	waitFor(t, 3*time.Second, "both synced", func() bool {
		return a.currentState() == StateSynced && b.currentState() == StateSynced
	})

	a.tr.SendFragment(a.doc.Insert(0, "hello"))
	waitFor(t, 3*time.Second, "b receives edits", func() bool {
		return b.doc.Text() == "hello"
	})

	b.tr.SendFragment(b.doc.Insert(5, " world"))
	waitFor(t, 3*time.Second, "a receives edits", func() bool {
		return a.doc.Text() == "hello world"
	})
}

func TestOfflineEditsMergeOnConnect(t *testing.T) {
	// Client A typed "hello" before ever connecting. Client B is already
	// connected with an empty document. Once A connects, both show "hello".
	url, _, _ := startRelayURL(t)

	b := newTestClient(t, url, "doc-1", "client-b")
	b.tr.Connect()
	waitFor(t, 3*time.Second, "b synced", func() bool {
		return b.currentState() == StateSynced
	})

	a := newTestClient(t, url, "doc-1", "client-a")
	a.doc.Insert(0, "hello")
	a.tr.Connect()

	waitFor(t, 3*time.Second, "b receives offline edits", func() bool {
		return b.doc.Text() == "hello"
	})
	waitFor(t, 3*time.Second, "a synced", func() bool {
		return a.currentState() == StateSynced
	})
	if a.doc.Text() != b.doc.Text() {
		t.Fatalf("replicas diverged: %q vs %q", a.doc.Text(), b.doc.Text())
	}
}

func TestAwarenessRoster(t *testing.T) {
	url, _, _ := startRelayURL(t)
	a := newTestClient(t, url, "doc-1", "client-a")
	b := newTestClient(t, url, "doc-1", "client-b")
	a.tr.Connect()
	b.tr.Connect()
	waitFor(t, 3*time.Second, "both synced", func() bool {
		return a.currentState() == StateSynced && b.currentState() == StateSynced
	})

	a.tr.SetCursor(&protocol.Cursor{Position: 7})
	waitFor(t, 3*time.Second, "b sees a's awareness", func() bool {
		ids := b.peerIDs()
		return len(ids) == 1 && ids[0] == "client-a"
	})

	// The roster handed to B never contains B itself.
	b.tr.SetCursor(&protocol.Cursor{Position: 1})
	waitFor(t, 3*time.Second, "a sees b's awareness", func() bool {
		ids := a.peerIDs()
		return len(ids) == 1 && ids[0] == "client-b"
	})
}

func TestIdleConnectionStaysSynced(t *testing.T) {
	// No document traffic at all for several read-timeout windows: the
	// ping/pong exchange alone must keep the connection alive, with no
	// reconnect cycling.
	url, _, _ := startRelayURL(t)
	settings := testSettings()
	settings.ReadTimeout = 400 * time.Millisecond
	settings.PingInterval = 100 * time.Millisecond

	a := newTestClientSettings(t, url, "doc-1", "client-a", settings)
	a.tr.Connect()
	waitFor(t, 3*time.Second, "synced", func() bool {
		return a.currentState() == StateSynced
	})

	time.Sleep(1500 * time.Millisecond)
	if got := a.currentState(); got != StateSynced {
		t.Fatalf("idle connection fell out of synced: %v", got)
	}
	if n := a.syncedCount(); n != 1 {
		t.Fatalf("idle connection flapped: %d synced transitions", n)
	}
}

func TestAwarenessFieldsAreIndependent(t *testing.T) {
	url, _, _ := startRelayURL(t)
	a := newTestClient(t, url, "doc-1", "client-a")
	b := newTestClient(t, url, "doc-1", "client-b")
	a.tr.Connect()
	b.tr.Connect()
	waitFor(t, 3*time.Second, "both synced", func() bool {
		return a.currentState() == StateSynced && b.currentState() == StateSynced
	})

	a.tr.SetCursor(&protocol.Cursor{Position: 5})
	waitFor(t, 3*time.Second, "b sees cursor", func() bool {
		aw, ok := b.peerState("client-a")
		return ok && aw.Cursor != nil && aw.Cursor.Position == 5
	})

	// Advertising a selection must not clear the cursor: each field is
	// last-write-wins on its own.
	a.tr.SetSelection(&protocol.Selection{From: 2, To: 9})
	waitFor(t, 3*time.Second, "b sees both fields", func() bool {
		aw, ok := b.peerState("client-a")
		return ok &&
			aw.Cursor != nil && aw.Cursor.Position == 5 &&
			aw.Selection != nil && aw.Selection.From == 2 && aw.Selection.To == 9
	})
}

func TestReconnectReannounces(t *testing.T) {
	url, srv, _ := startRelayURL(t)
	a := newTestClient(t, url, "doc-1", "client-a")
	a.tr.Connect()
	waitFor(t, 3*time.Second, "initial sync", func() bool {
		return a.currentState() == StateSynced
	})

	// Drop every live connection; the transport must reconnect, send a
	// fresh hello, and reach synced again.
	srv.CloseClientConnections()
	waitFor(t, 5*time.Second, "resync after reconnect", func() bool {
		return a.syncedCount() >= 2
	})

	// A client that joins after the reconnect still sees A's awareness,
	// proving A re-announced rather than relying on stale relay state.
	a.tr.SetCursor(&protocol.Cursor{Position: 3})
	b := newTestClient(t, url, "doc-1", "client-b")
	b.tr.Connect()
	waitFor(t, 3*time.Second, "b sees re-announced awareness", func() bool {
		ids := b.peerIDs()
		return len(ids) == 1 && ids[0] == "client-a"
	})
}

func TestRetryExhaustionIsTerminal(t *testing.T) {
	// Point the transport at a relay that is gone.
	url, srv, rs := startRelayURL(t)
	rs.Close()
	srv.Close()

	settings := testSettings()
	settings.MaxRetries = 2

	var mu sync.Mutex
	var states []State
	tr := New(context.Background(), url, "doc-1", identity.Anonymous(), settings, Callbacks{
		OnState: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	defer tr.Close()
	tr.Connect()

	waitFor(t, 5*time.Second, "terminal disconnect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == StateDisconnected
	})

	mu.Lock()
	defer mu.Unlock()
	for _, s := range states {
		if s == StateConnected || s == StateSynced {
			t.Fatalf("transport reported %v against a dead relay", s)
		}
	}
}

func TestCloseStopsReconnects(t *testing.T) {
	url, _, _ := startRelayURL(t)
	a := newTestClient(t, url, "doc-1", "client-a")
	a.tr.Connect()
	waitFor(t, 3*time.Second, "synced", func() bool {
		return a.currentState() == StateSynced
	})

	a.tr.Close()
	waitFor(t, 3*time.Second, "disconnected after close", func() bool {
		return a.currentState() == StateDisconnected
	})

	// Closing again is safe, and no late timer revives the connection.
	a.tr.Close()
	time.Sleep(100 * time.Millisecond)
	if got := a.currentState(); got != StateDisconnected {
		t.Fatalf("transport resurrected after close: %v", got)
	}
}
