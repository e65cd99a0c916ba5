package relay

import (
	"context"
	"sync"
)

// History stores the ordered frame log per document. A joining client is
// replayed the full log before receiving the sync acknowledgment, which is
// what makes it caught up with the shared state.
type History interface {
	Append(ctx context.Context, documentID string, frame []byte) error
	Load(ctx context.Context, documentID string) ([][]byte, error)
}

// MemoryHistory keeps frame logs in process memory. The default for
// single-node deployments and tests; durable deployments use PGHistory.
type MemoryHistory struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

// NewMemoryHistory creates an empty in-memory history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{frames: make(map[string][][]byte)}
}

// Append records a frame at the end of a document's log.
func (h *MemoryHistory) Append(_ context.Context, documentID string, frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := make([]byte, len(frame))
	copy(buf, frame)
	h.frames[documentID] = append(h.frames[documentID], buf)
	return nil
}

// Load returns a copy of a document's frame log in append order.
func (h *MemoryHistory) Load(_ context.Context, documentID string) ([][]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	src := h.frames[documentID]
	out := make([][]byte, len(src))
	for i, f := range src {
		out[i] = make([]byte, len(f))
		copy(out[i], f)
	}
	return out, nil
}
