package subscriber

import (
	"sync"

	"github.com/FortiumPartners/claude-config-sub021/pkg/event"
)

// replayRing is a bounded buffer of recently seen envelopes, oldest first.
// The same envelope can arrive once per room channel; the index keeps each
// event ID in the buffer once.
type replayRing struct {
	mu    sync.Mutex
	buf   []event.Envelope
	index map[string]struct{}
	cap   int
}

func newReplayRing(capacity int) *replayRing {
	return &replayRing{
		buf:   make([]event.Envelope, 0, capacity),
		index: make(map[string]struct{}),
		cap:   capacity,
	}
}

func (r *replayRing) add(env event.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.index[env.EventID]; seen {
		return
	}
	if len(r.buf) >= r.cap {
		evicted := r.buf[0]
		r.buf = r.buf[1:]
		delete(r.index, evicted.EventID)
	}
	r.buf = append(r.buf, env)
	r.index[env.EventID] = struct{}{}
}

func (r *replayRing) snapshot() []event.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Envelope, len(r.buf))
	copy(out, r.buf)
	return out
}

func (r *replayRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}
