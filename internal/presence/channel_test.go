package presence

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"inkwell/collab/internal/identity"
)

const testDoc = "doc-1"

func testChannelSettings() *Settings {
	return &Settings{
		CursorDebounce:    30 * time.Millisecond,
		SelectionDebounce: 30 * time.Millisecond,
		MoveThreshold:     2,
		TypingQuiet:       100 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		InitialBackoff:    20 * time.Millisecond,
		MaxBackoff:        100 * time.Millisecond,
		MaxRetries:        3,
	}
}

type harness struct {
	t  *testing.T
	mr *miniredis.Miniredis
	ch *Channel

	mu         sync.Mutex
	joins      []Peer
	leaves     []Peer
	cursors    []CursorEvent
	selections []SelectionEvent
	typings    []TypingEvent
	presences  []PresenceEvent
	contents   [][]byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, mr: miniredis.RunT(t)}

	local := redis.NewClient(&redis.Options{Addr: h.mr.Addr()})
	t.Cleanup(func() { local.Close() })

	ident := identity.Identity{ID: "local-user", Name: "Local", Email: "local@example.com"}
	h.ch = NewWithClient(context.Background(), local, testDoc, ident, testChannelSettings(), Events{
		OnJoin:      func(p Peer) { h.mu.Lock(); h.joins = append(h.joins, p); h.mu.Unlock() },
		OnLeave:     func(p Peer) { h.mu.Lock(); h.leaves = append(h.leaves, p); h.mu.Unlock() },
		OnCursor:    func(e CursorEvent) { h.mu.Lock(); h.cursors = append(h.cursors, e); h.mu.Unlock() },
		OnSelection: func(e SelectionEvent) { h.mu.Lock(); h.selections = append(h.selections, e); h.mu.Unlock() },
		OnTyping:    func(e TypingEvent) { h.mu.Lock(); h.typings = append(h.typings, e); h.mu.Unlock() },
		OnPresence:  func(e PresenceEvent) { h.mu.Lock(); h.presences = append(h.presences, e); h.mu.Unlock() },
		OnContent:   func(f []byte) { h.mu.Lock(); h.contents = append(h.contents, f); h.mu.Unlock() },
	})
	t.Cleanup(h.ch.Close)

	h.ch.Connect()
	h.waitFor("channel connected", h.ch.Connected)
	return h
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", what)
}

// peerPublish sends a raw payload the way a remote (possibly hostile) peer
// would.
func (h *harness) peerPublish(suffix, payload string) {
	h.t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: h.mr.Addr()})
	defer rdb.Close()
	if err := rdb.Publish(context.Background(), "collab:"+testDoc+":"+suffix, payload).Err(); err != nil {
		h.t.Fatalf("peer publish failed: %v", err)
	}
}

// observe collects every payload published on one topic.
func (h *harness) observe(suffix string) func() []string {
	h.t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: h.mr.Addr()})
	ps := rdb.Subscribe(context.Background(), "collab:"+testDoc+":"+suffix)
	if _, err := ps.Receive(context.Background()); err != nil {
		h.t.Fatalf("observer subscribe failed: %v", err)
	}
	var mu sync.Mutex
	var payloads []string
	go func() {
		for msg := range ps.Channel() {
			mu.Lock()
			payloads = append(payloads, msg.Payload)
			mu.Unlock()
		}
	}()
	h.t.Cleanup(func() {
		ps.Close()
		rdb.Close()
	})
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), payloads...)
	}
}

func (h *harness) cursorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cursors)
}

func TestCursorValidationBoundary(t *testing.T) {
	h := newHarness(t)

	// Invalid messages must produce zero state change: dropped, not
	// defaulted to 0.
	invalid := []string{
		`[1,2,3]`,
		`"just a string"`,
		`{"position":5}`,
		`{"senderId":"local-user","position":5}`,
		`{"senderId":"peer-1","position":-1}`,
		`{"senderId":"peer-1","position":"NaN"}`,
		`{"senderId":"peer-1"}`,
		`{"senderId":"peer-1","position":true}`,
	}
	for _, payload := range invalid {
		h.peerPublish(topicCursor, payload)
	}
	h.peerPublish(topicCursor, `{"senderId":"peer-1","name":"Pat","position":42}`)

	h.waitFor("valid cursor", func() bool { return h.cursorCount() == 1 })
	time.Sleep(50 * time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.cursors) != 1 {
		t.Fatalf("expected exactly 1 accepted cursor, got %d", len(h.cursors))
	}
	if h.cursors[0].SenderID != "peer-1" || h.cursors[0].Position != 42 {
		t.Fatalf("unexpected cursor event: %+v", h.cursors[0])
	}
}

func TestSelectionValidationBoundary(t *testing.T) {
	h := newHarness(t)

	h.peerPublish(topicSelection, `{"senderId":"peer-1","start":10,"end":10}`)
	h.peerPublish(topicSelection, `{"senderId":"peer-1","start":20,"end":10}`)
	h.peerPublish(topicSelection, `{"senderId":"peer-1","start":-3,"end":4}`)
	h.peerPublish(topicSelection, `{"senderId":"peer-1","start":"NaN","end":4}`)
	h.peerPublish(topicSelection, `{"senderId":"peer-1","start":5,"end":15,"text":"lected te"}`)

	h.waitFor("valid selection", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.selections) == 1
	})
	time.Sleep(50 * time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.selections) != 1 {
		t.Fatalf("expected exactly 1 accepted selection, got %d", len(h.selections))
	}
	sel := h.selections[0]
	if sel.Start != 5 || sel.End != 15 || sel.Text != "lected te" {
		t.Fatalf("unexpected selection event: %+v", sel)
	}
}

func TestProfileDefaults(t *testing.T) {
	h := newHarness(t)

	h.peerPublish(topicJoin, `{"senderId":"peer-9"}`)
	h.waitFor("join event", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.joins) == 1
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.joins[0]
	if p.Name != "Anonymous" {
		t.Fatalf("expected default name, got %q", p.Name)
	}
	if p.Email != "" {
		t.Fatalf("expected empty-string default email, got %q", p.Email)
	}
	if p.Color == "" {
		t.Fatalf("expected a default color")
	}
}

func TestTypingDoesNotBlockOnDeadBroker(t *testing.T) {
	h := newHarness(t)

	// Broker vanishes mid-session: the typing call on the edit path must
	// return immediately, not wait out a publish against a dead broker.
	h.mr.Close()
	start := time.Now()
	h.ch.Typing()
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Typing blocked the edit path for %v", elapsed)
	}
}

func TestCursorDebounceCoalesces(t *testing.T) {
	h := newHarness(t)
	got := h.observe(topicCursor)

	// Two sends of the same position within the debounce window transmit
	// exactly one message.
	h.ch.SendCursor(42)
	time.Sleep(5 * time.Millisecond)
	h.ch.SendCursor(42)

	time.Sleep(150 * time.Millisecond)
	if n := len(got()); n != 1 {
		t.Fatalf("expected exactly 1 cursor message, got %d", n)
	}
	if !strings.Contains(got()[0], `"position":42`) {
		t.Fatalf("unexpected cursor payload: %s", got()[0])
	}
}

func TestCursorThresholdSuppression(t *testing.T) {
	h := newHarness(t)
	got := h.observe(topicCursor)

	h.ch.SendCursor(42)
	time.Sleep(100 * time.Millisecond)

	// One character over is below the threshold: suppressed entirely.
	h.ch.SendCursor(43)
	time.Sleep(100 * time.Millisecond)
	if n := len(got()); n != 1 {
		t.Fatalf("expected sub-threshold move to be suppressed, got %d messages", n)
	}

	h.ch.SendCursor(50)
	time.Sleep(100 * time.Millisecond)
	if n := len(got()); n != 2 {
		t.Fatalf("expected above-threshold move to transmit, got %d messages", n)
	}
}

func TestTypingBurst(t *testing.T) {
	h := newHarness(t)
	got := h.observe(topicTyping)

	// A burst of inputs, then 1.2x the quiet period of silence: exactly one
	// typing=true followed by exactly one typing=false.
	for i := 0; i < 5; i++ {
		h.ch.Typing()
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)

	payloads := got()
	if len(payloads) != 2 {
		t.Fatalf("expected 2 typing messages, got %d: %v", len(payloads), payloads)
	}
	if !strings.Contains(payloads[0], `"typing":true`) {
		t.Fatalf("expected first message typing=true, got %s", payloads[0])
	}
	if !strings.Contains(payloads[1], `"typing":false`) {
		t.Fatalf("expected second message typing=false, got %s", payloads[1])
	}
}

func TestJoinAndPresenceAnnouncedOnConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	obsClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ps := obsClient.Subscribe(context.Background(),
		"collab:"+testDoc+":"+topicJoin, "collab:"+testDoc+":"+topicPresence)
	if _, err := ps.Receive(context.Background()); err != nil {
		t.Fatalf("observer subscribe failed: %v", err)
	}
	var mu sync.Mutex
	var seen []string
	go func() {
		for msg := range ps.Channel() {
			mu.Lock()
			seen = append(seen, msg.Channel+" "+msg.Payload)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() { ps.Close(); obsClient.Close() })

	ch := NewWithClient(context.Background(), rdb, testDoc,
		identity.Identity{ID: "u-1", Name: "Quinn"}, testChannelSettings(), Events{})
	t.Cleanup(ch.Close)
	ch.Connect()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		joined, online := false, false
		for _, s := range seen {
			if strings.Contains(s, topicJoin) && strings.Contains(s, `"senderId":"u-1"`) {
				joined = true
			}
			if strings.Contains(s, topicPresence) && strings.Contains(s, `"status":"online"`) {
				online = true
			}
		}
		mu.Unlock()
		if joined && online {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for join + online presence on connect")
}

func TestCloseAnnouncesLeaveAndOffline(t *testing.T) {
	h := newHarness(t)
	leaves := h.observe(topicLeave)
	presences := h.observe(topicPresence)

	h.ch.Close()

	h.waitFor("leave message", func() bool { return len(leaves()) == 1 })
	h.waitFor("offline presence", func() bool {
		for _, p := range presences() {
			if strings.Contains(p, `"status":"offline"`) {
				return true
			}
		}
		return false
	})

	// Close again: no second farewell.
	h.ch.Close()
	time.Sleep(50 * time.Millisecond)
	if n := len(leaves()); n != 1 {
		t.Fatalf("expected a single leave message, got %d", n)
	}
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t)
	presences := h.observe(topicPresence)

	// With a 50ms interval, several online heartbeats arrive without any
	// edit activity.
	h.waitFor("repeated heartbeats", func() bool {
		online := 0
		for _, p := range presences() {
			if strings.Contains(p, `"status":"online"`) {
				online++
			}
		}
		return online >= 3
	})
}

func TestContentTopicRoundTrip(t *testing.T) {
	h := newHarness(t)

	h.peerPublish(topicContent, `{"senderId":"peer-1","fragment":{"op":"insert"}}`)
	h.waitFor("content fragment", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.contents) == 1
	})

	h.mu.Lock()
	frag := string(h.contents[0])
	h.mu.Unlock()
	if !strings.Contains(frag, `"op":"insert"`) {
		t.Fatalf("unexpected fragment payload: %s", frag)
	}

	// Outbound alternate path: a peer observer sees the published fragment.
	got := h.observe(topicContent)
	h.ch.SendFragment([]byte(`{"op":"delete"}`))
	h.waitFor("published fragment", func() bool { return len(got()) == 1 })
}

func TestEchoSuppressionAcrossTopics(t *testing.T) {
	h := newHarness(t)

	h.peerPublish(topicJoin, `{"senderId":"local-user","name":"Me"}`)
	h.peerPublish(topicTyping, `{"senderId":"local-user","typing":true}`)
	h.peerPublish(topicPresence, `{"senderId":"local-user","status":"online"}`)
	time.Sleep(100 * time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.joins) != 0 || len(h.typings) != 0 || len(h.presences) != 0 {
		t.Fatalf("own messages leaked past echo suppression: joins=%d typings=%d presences=%d",
			len(h.joins), len(h.typings), len(h.presences))
	}
}
