// Package presence implements the signal channel: a redis pub/sub broadcast
// of join/leave, cursor, selection, typing and heartbeat events, parallel to
// and independent of the document sync transport. Inbound messages are
// untrusted peer data and pass a validation boundary before any state
// change; outbound cursor and selection updates are debounced and
// threshold-suppressed so the channel is never flooded by keystroke-adjacent
// movement.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"inkwell/collab/internal/identity"
)

// Settings holds the channel tunables.
type Settings struct {
	CursorDebounce    time.Duration
	SelectionDebounce time.Duration
	// MoveThreshold suppresses cursor/selection sends whose distance from
	// the last sent value is below this many characters.
	MoveThreshold     int
	TypingQuiet       time.Duration
	HeartbeatInterval time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MaxRetries        int
}

// DefaultSettings returns the production tunables.
func DefaultSettings() *Settings {
	return &Settings{
		CursorDebounce:    200 * time.Millisecond,
		SelectionDebounce: 300 * time.Millisecond,
		MoveThreshold:     2,
		TypingQuiet:       time.Second,
		HeartbeatInterval: 30 * time.Second,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		MaxRetries:        10,
	}
}

// Events are the consumer callbacks. All fire from the channel's receive
// goroutine; nil callbacks are skipped.
type Events struct {
	OnJoin      func(Peer)
	OnLeave     func(Peer)
	OnCursor    func(CursorEvent)
	OnSelection func(SelectionEvent)
	OnTyping    func(TypingEvent)
	OnPresence  func(PresenceEvent)
	// OnContent receives document fragments published on the alternate
	// content topic.
	OnContent func(fragment []byte)
	// OnState reports broker connectivity.
	OnState func(connected bool)
}

// Channel is the per-document signal channel for one client.
type Channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	rdb       *redis.Client
	ownClient bool
	doc       string
	ident     identity.Identity
	settings  *Settings
	events    Events

	cursorDeb    *debouncer
	selectionDeb *debouncer
	typing       *typingNotifier

	mu            sync.Mutex
	started       bool
	closed        bool
	connected     bool
	cursorSent    bool
	lastCursor    int
	selectionSent bool
	lastSelStart  int
	lastSelEnd    int
}

// New creates a channel connected to the broker at redisURL.
func New(ctx context.Context, redisURL, doc string, ident identity.Identity, settings *Settings, events Events) (*Channel, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := newChannel(ctx, redis.NewClient(opts), doc, ident, settings, events)
	c.ownClient = true
	return c, nil
}

// NewWithClient creates a channel from an existing redis client. The caller
// keeps ownership of the client.
func NewWithClient(ctx context.Context, client *redis.Client, doc string, ident identity.Identity, settings *Settings, events Events) *Channel {
	return newChannel(ctx, client, doc, ident, settings, events)
}

func newChannel(ctx context.Context, client *redis.Client, doc string, ident identity.Identity, settings *Settings, events Events) *Channel {
	if settings == nil {
		settings = DefaultSettings()
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	c := &Channel{
		ctx:          cancelCtx,
		cancel:       cancel,
		rdb:          client,
		doc:          doc,
		ident:        identity.Normalize(ident),
		settings:     settings,
		events:       events,
		cursorDeb:    newDebouncer(settings.CursorDebounce),
		selectionDeb: newDebouncer(settings.SelectionDebounce),
	}
	// The start signal fires from the caller's edit path, so its publish
	// moves to a goroutine; the stop signal already fires from a timer.
	c.typing = newTypingNotifier(settings.TypingQuiet,
		func() { go c.publishTyping(true) },
		func() { c.publishTyping(false) },
	)
	return c
}

// Connected reports broker connectivity.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect starts the subscribe loop. Repeat calls are no-ops.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.run()
}

// Close announces departure (leave + offline), stops all timers and tears
// the subscription down. Safe to call multiple times.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wasConnected := c.connected
	c.mu.Unlock()

	c.cursorDeb.stop()
	c.selectionDeb.stop()
	c.typing.cancel()

	if wasConnected {
		// Farewell before the context dies so the publishes still go out.
		farewell, done := context.WithTimeout(context.Background(), 2*time.Second)
		c.publishCtx(farewell, topicLeave, c.profile())
		c.publishCtx(farewell, topicPresence, presencePayload{profile: c.profile(), Status: statusOffline})
		done()
	}

	c.cancel()
	if c.ownClient {
		c.rdb.Close()
	}
}

func (c *Channel) topic(suffix string) string {
	return "collab:" + c.doc + ":" + suffix
}

func (c *Channel) topics() []string {
	suffixes := []string{topicContent, topicJoin, topicLeave, topicCursor, topicPresence, topicTyping, topicSelection}
	out := make([]string, len(suffixes))
	for i, s := range suffixes {
		out[i] = c.topic(s)
	}
	return out
}

func (c *Channel) run() {
	defer c.setConnected(false)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.settings.InitialBackoff
	bo.MaxInterval = c.settings.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	failures := 0
	for {
		if c.ctx.Err() != nil {
			return
		}

		ps := c.rdb.Subscribe(c.ctx, c.topics()...)
		if _, err := ps.Receive(c.ctx); err != nil {
			ps.Close()
			failures++
			if failures > c.settings.MaxRetries {
				log.Printf("presence: %s: retries exhausted, signals unavailable: %v", c.doc, err)
				return
			}
			if c.ctx.Err() == nil {
				log.Printf("presence: %s: subscribe attempt %d failed: %v", c.doc, failures, err)
			}
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}

		failures = 0
		bo.Reset()
		c.setConnected(true)
		c.announce()

		hbCtx, hbCancel := context.WithCancel(c.ctx)
		go c.heartbeatLoop(hbCtx)

		err := c.consume(ps)
		hbCancel()
		ps.Close()
		c.setConnected(false)
		if c.ctx.Err() != nil {
			return
		}
		log.Printf("presence: %s: subscription lost: %v", c.doc, err)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (c *Channel) consume(ps *redis.PubSub) error {
	for {
		msg, err := ps.ReceiveMessage(c.ctx)
		if err != nil {
			return err
		}
		c.dispatch(msg.Channel, []byte(msg.Payload))
	}
}

// dispatch validates one inbound message and fires the matching event.
// Invalid messages are dropped and logged; the loop always continues.
func (c *Channel) dispatch(topic string, payload []byte) {
	prefix := "collab:" + c.doc + ":"
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return
	}
	suffix := topic[len(prefix):]
	self := c.ident.ID

	drop := func(err error) {
		if err != errOwnEcho {
			log.Printf("presence: %s: dropping %s message: %v", c.doc, suffix, err)
		}
	}

	switch suffix {
	case topicJoin:
		p, err := parsePeer(payload, self)
		if err != nil {
			drop(err)
			return
		}
		if c.events.OnJoin != nil {
			c.events.OnJoin(p)
		}
	case topicLeave:
		p, err := parsePeer(payload, self)
		if err != nil {
			drop(err)
			return
		}
		if c.events.OnLeave != nil {
			c.events.OnLeave(p)
		}
	case topicCursor:
		ev, err := parseCursor(payload, self)
		if err != nil {
			drop(err)
			return
		}
		if c.events.OnCursor != nil {
			c.events.OnCursor(ev)
		}
	case topicSelection:
		ev, err := parseSelection(payload, self)
		if err != nil {
			drop(err)
			return
		}
		if c.events.OnSelection != nil {
			c.events.OnSelection(ev)
		}
	case topicTyping:
		ev, err := parseTyping(payload, self)
		if err != nil {
			drop(err)
			return
		}
		if c.events.OnTyping != nil {
			c.events.OnTyping(ev)
		}
	case topicPresence:
		ev, err := parsePresence(payload, self)
		if err != nil {
			drop(err)
			return
		}
		if c.events.OnPresence != nil {
			c.events.OnPresence(ev)
		}
	case topicContent:
		ev, err := parseContent(payload, self)
		if err != nil {
			drop(err)
			return
		}
		if c.events.OnContent != nil {
			c.events.OnContent(ev.Fragment)
		}
	}
}

// SendCursor schedules a cursor broadcast. The send is debounced, and moves
// smaller than the threshold since the last sent position are suppressed
// entirely.
func (c *Channel) SendCursor(position int) {
	if position < 0 {
		return
	}
	c.mu.Lock()
	if c.cursorSent && abs(position-c.lastCursor) < c.settings.MoveThreshold {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.cursorDeb.trigger(func() {
		c.mu.Lock()
		c.cursorSent = true
		c.lastCursor = position
		c.mu.Unlock()
		c.publish(topicCursor, cursorPayload{profile: c.profile(), Position: position})
	})
}

// SendSelection schedules a selection broadcast. Zero-width and inverted
// ranges are never broadcast; sub-threshold changes are suppressed.
func (c *Channel) SendSelection(start, end int, text string) {
	if start < 0 || end < 0 || start >= end {
		return
	}
	c.mu.Lock()
	if c.selectionSent &&
		abs(start-c.lastSelStart) < c.settings.MoveThreshold &&
		abs(end-c.lastSelEnd) < c.settings.MoveThreshold {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.selectionDeb.trigger(func() {
		c.mu.Lock()
		c.selectionSent = true
		c.lastSelStart = start
		c.lastSelEnd = end
		c.mu.Unlock()
		c.publish(topicSelection, selectionPayload{profile: c.profile(), Start: start, End: end, Text: text})
	})
}

// Typing records one input event. The first event of a burst broadcasts
// typing=true; a quiet period broadcasts typing=false exactly once.
func (c *Channel) Typing() {
	c.typing.input()
}

// SendFragment publishes a document fragment on the alternate content topic.
func (c *Channel) SendFragment(fragment []byte) {
	if len(fragment) == 0 {
		return
	}
	c.publish(topicContent, contentPayload{profile: c.profile(), Fragment: json.RawMessage(fragment)})
}

// announce emits the join and initial online presence for a (re)connect.
func (c *Channel) announce() {
	c.publish(topicJoin, c.profile())
	c.publish(topicPresence, presencePayload{profile: c.profile(), Status: statusOnline})
}

func (c *Channel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.settings.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.publish(topicPresence, presencePayload{profile: c.profile(), Status: statusOnline})
		}
	}
}

func (c *Channel) setConnected(connected bool) {
	c.mu.Lock()
	if c.connected == connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	cb := c.events.OnState
	c.mu.Unlock()
	if cb != nil {
		cb(connected)
	}
}

// profile is the local identity in outbound message shape.
type profile struct {
	SenderID string `json:"senderId"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Color    string `json:"color"`
}

type cursorPayload struct {
	profile
	Position int `json:"position"`
}

type selectionPayload struct {
	profile
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

type typingPayload struct {
	profile
	Typing bool `json:"typing"`
}

type presencePayload struct {
	profile
	Status string `json:"status"`
}

type contentPayload struct {
	profile
	Fragment json.RawMessage `json:"fragment"`
}

func (c *Channel) profile() profile {
	return profile{
		SenderID: c.ident.ID,
		Name:     c.ident.Name,
		Email:    c.ident.Email,
		Color:    c.ident.Color,
	}
}

func (c *Channel) publishTyping(typing bool) {
	c.publish(topicTyping, typingPayload{profile: c.profile(), Typing: typing})
}

func (c *Channel) publish(suffix string, payload any) {
	c.publishCtx(c.ctx, suffix, payload)
}

func (c *Channel) publishCtx(ctx context.Context, suffix string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("presence: %s: encode %s: %v", c.doc, suffix, err)
		return
	}
	if err := c.rdb.Publish(ctx, c.topic(suffix), data).Err(); err != nil {
		log.Printf("presence: %s: publish %s: %v", c.doc, suffix, err)
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
