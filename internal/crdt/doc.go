// Package crdt implements the mergeable document engine behind live
// collaboration. Every character carries a globally unique ID and a dense
// position identifier, so concurrent inserts and deletes from any number of
// peers converge to the same sequence regardless of delivery order or
// duplication. Deletes are tombstones keyed by ID, which makes a delete that
// arrives before its insert safe: the insert lands already dead.
package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// positionBase is the digit range for position identifiers. A fresh depth
// always has room for this many allocations before descending.
const positionBase = 1 << 16

// ItemID uniquely identifies one character across all replicas.
type ItemID struct {
	Peer  string `json:"peer"`
	Clock uint64 `json:"clock"`
}

// Item is a single character in the replicated sequence.
type Item struct {
	ID       ItemID `json:"id"`
	Position []int  `json:"pos"`
	Value    string `json:"value"`
	Deleted  bool   `json:"deleted,omitempty"`
}

// Fragment is the wire delta produced by a local edit. Immutable once
// created; receivers may apply it any number of times in any order.
type Fragment struct {
	Op    string   `json:"op"` // "insert" or "delete"
	Items []Item   `json:"items,omitempty"`
	IDs   []ItemID `json:"ids,omitempty"`
}

const (
	opInsert = "insert"
	opDelete = "delete"
	// opState carries a replica's entire state as one merge-able delta,
	// broadcast after reconnecting so offline edits reach the relay.
	opState = "state"
)

// Document is one replica of a collaborative document. Local edits always
// succeed and yield an encoded fragment for broadcast; remote fragments
// merge idempotently and commutatively.
type Document struct {
	mu    sync.Mutex
	peer  string
	clock uint64

	// items sorted by (Position, Peer, Clock); includes tombstoned entries.
	items []Item
	// dead records every deleted ID, including deletes seen before the
	// matching insert arrived.
	dead map[ItemID]bool
}

// NewDocument creates an empty replica owned by the given peer ID.
func NewDocument(peer string) *Document {
	return &Document{
		peer: peer,
		dead: make(map[ItemID]bool),
	}
}

// Peer returns the replica's peer ID.
func (d *Document) Peer() string {
	return d.peer
}

// Text returns the visible document content.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	for _, it := range d.items {
		if !it.Deleted {
			b.WriteString(it.Value)
		}
	}
	return b.String()
}

// Len returns the number of visible characters.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, it := range d.items {
		if !it.Deleted {
			n++
		}
	}
	return n
}

// Insert applies a local insert of text before the given visible index and
// returns the encoded fragment to broadcast. Indexes past the end append.
// Local edits are never refused.
func (d *Document) Insert(index int, text string) []byte {
	if text == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	left, right := d.neighbors(index)
	frag := Fragment{Op: opInsert}
	prev := left
	for _, r := range text {
		d.clock++
		it := Item{
			ID:       ItemID{Peer: d.peer, Clock: d.clock},
			Position: positionBetween(prev, right),
			Value:    string(r),
		}
		d.integrate(it)
		frag.Items = append(frag.Items, it)
		prev = it.Position
	}
	return encodeFragment(frag)
}

// Delete applies a local delete of count visible characters starting at the
// given index and returns the encoded fragment, or nil if nothing was
// visible in that range.
func (d *Document) Delete(index, count int) []byte {
	if count <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	frag := Fragment{Op: opDelete}
	visible := -1
	for i := range d.items {
		if d.items[i].Deleted {
			continue
		}
		visible++
		if visible < index {
			continue
		}
		if visible >= index+count {
			break
		}
		d.items[i].Deleted = true
		d.dead[d.items[i].ID] = true
		frag.IDs = append(frag.IDs, d.items[i].ID)
	}
	if len(frag.IDs) == 0 {
		return nil
	}
	return encodeFragment(frag)
}

// ApplyRemote merges a fragment received from any peer. Duplicates and
// arbitrary arrival order are safe. A malformed fragment is reported as an
// error so the caller can log it; the document state is left untouched and
// the engine remains usable.
func (d *Document) ApplyRemote(data []byte) error {
	var frag Fragment
	if err := json.Unmarshal(data, &frag); err != nil {
		return fmt.Errorf("decode fragment: %w", err)
	}
	switch frag.Op {
	case opInsert:
		d.mu.Lock()
		for _, it := range frag.Items {
			if it.ID.Peer == "" || len(it.Position) == 0 {
				continue
			}
			if d.has(it.ID) {
				continue
			}
			if d.dead[it.ID] {
				it.Deleted = true
			}
			d.integrate(it)
		}
		d.mu.Unlock()
	case opDelete:
		d.mu.Lock()
		d.applyDeletes(frag.IDs)
		d.mu.Unlock()
	case opState:
		d.mu.Lock()
		d.applyDeletes(frag.IDs)
		for _, it := range frag.Items {
			if it.ID.Peer == "" || len(it.Position) == 0 {
				continue
			}
			if d.has(it.ID) {
				if it.Deleted {
					d.dead[it.ID] = true
					d.applyDeletes([]ItemID{it.ID})
				}
				continue
			}
			if d.dead[it.ID] {
				it.Deleted = true
			}
			d.integrate(it)
		}
		d.mu.Unlock()
	default:
		return fmt.Errorf("unknown fragment op %q", frag.Op)
	}
	return nil
}

// applyDeletes records tombstones and marks any present items deleted.
// Caller holds d.mu.
func (d *Document) applyDeletes(ids []ItemID) {
	for _, id := range ids {
		if id.Peer == "" {
			continue
		}
		d.dead[id] = true
		for i := range d.items {
			if d.items[i].ID == id {
				d.items[i].Deleted = true
				break
			}
		}
	}
}

// StateFragment encodes the whole replica as a single merge-able fragment.
// Applying it to any other replica is equivalent to applying every fragment
// this replica has ever seen.
func (d *Document) StateFragment() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 && len(d.dead) == 0 {
		return nil
	}
	frag := Fragment{Op: opState, Items: make([]Item, len(d.items))}
	copy(frag.Items, d.items)
	for id := range d.dead {
		frag.IDs = append(frag.IDs, id)
	}
	return encodeFragment(frag)
}

// snapshotState is the serialized form written to the local durable store.
type snapshotState struct {
	Items []Item   `json:"items"`
	Dead  []ItemID `json:"dead"`
}

// Snapshot returns a deterministic serialization of the full replica state.
// Two replicas that have merged the same fragments produce equal snapshots.
func (d *Document) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := snapshotState{Items: make([]Item, len(d.items))}
	copy(state.Items, d.items)
	for id := range d.dead {
		state.Dead = append(state.Dead, id)
	}
	sort.Slice(state.Dead, func(i, j int) bool {
		if state.Dead[i].Peer != state.Dead[j].Peer {
			return state.Dead[i].Peer < state.Dead[j].Peer
		}
		return state.Dead[i].Clock < state.Dead[j].Clock
	})
	data, _ := json.Marshal(state)
	return data
}

// Load restores replica state from a snapshot, replacing current content.
// The local clock advances past any clock this peer has already used, so
// IDs are never reissued after a reload.
func (d *Document) Load(snapshot []byte) error {
	if len(snapshot) == 0 {
		return nil
	}
	var state snapshotState
	if err := json.Unmarshal(snapshot, &state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.items = nil
	d.dead = make(map[ItemID]bool)
	for _, id := range state.Dead {
		d.dead[id] = true
	}
	for _, it := range state.Items {
		if it.ID.Peer == "" || len(it.Position) == 0 {
			continue
		}
		if d.dead[it.ID] {
			it.Deleted = true
		}
		d.integrate(it)
		if it.ID.Peer == d.peer && it.ID.Clock > d.clock {
			d.clock = it.ID.Clock
		}
	}
	return nil
}

// neighbors returns the positions bracketing a visible insert index.
// Caller holds d.mu.
func (d *Document) neighbors(index int) (left, right []int) {
	visible := -1
	for i := range d.items {
		if d.items[i].Deleted {
			continue
		}
		visible++
		if visible == index {
			right = d.items[i].Position
			return left, right
		}
		left = d.items[i].Position
	}
	return left, nil
}

// has reports whether an item with this ID is already integrated.
// Caller holds d.mu.
func (d *Document) has(id ItemID) bool {
	for i := range d.items {
		if d.items[i].ID == id {
			return true
		}
	}
	return false
}

// integrate inserts an item at its sorted location. Caller holds d.mu.
func (d *Document) integrate(it Item) {
	i := sort.Search(len(d.items), func(i int) bool {
		return lessItem(it, d.items[i])
	})
	d.items = append(d.items, Item{})
	copy(d.items[i+1:], d.items[i:])
	d.items[i] = it
}

// lessItem orders items by position, breaking ties on (Peer, Clock) so the
// order is total and identical on every replica.
func lessItem(a, b Item) bool {
	if c := comparePos(a.Position, b.Position); c != 0 {
		return c < 0
	}
	if a.ID.Peer != b.ID.Peer {
		return a.ID.Peer < b.ID.Peer
	}
	return a.ID.Clock < b.ID.Clock
}

// comparePos compares two position identifiers lexicographically.
func comparePos(a, b []int) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// positionBetween allocates a position strictly between left and right.
// nil left means the beginning of the document, nil right the end.
func positionBetween(left, right []int) []int {
	var pos []int
	rightBounds := true
	for depth := 0; ; depth++ {
		l := 0
		if depth < len(left) {
			l = left[depth]
		}
		r := positionBase
		if rightBounds && depth < len(right) {
			r = right[depth]
		}
		if r-l > 1 {
			return append(pos, l+(r-l)/2)
		}
		// No room at this depth; fix the digit and descend. Once the fixed
		// digit falls below the right bound, deeper digits are unconstrained
		// on the right.
		pos = append(pos, l)
		if l < r {
			rightBounds = false
		}
	}
}

func encodeFragment(frag Fragment) []byte {
	data, _ := json.Marshal(frag)
	return data
}
