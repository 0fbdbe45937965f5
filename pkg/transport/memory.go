package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemoryTransport delivers messages synchronously to handlers in the same
// process. Used by tests and by single-node deployments that have no broker.
type MemoryTransport struct {
	mu       sync.RWMutex
	handlers map[string]map[int]Handler
	next     int
	closed   bool
}

func NewMemory() *MemoryTransport {
	return &MemoryTransport{handlers: make(map[string]map[int]Handler)}
}

func (t *MemoryTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return fmt.Errorf("transport closed")
	}
	var hs []Handler
	for _, h := range t.handlers[channel] {
		hs = append(hs, h)
	}
	t.mu.RUnlock()

	for _, h := range hs {
		h(payload)
	}
	return nil
}

func (t *MemoryTransport) Subscribe(channel string, h Handler) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if t.handlers[channel] == nil {
		t.handlers[channel] = make(map[int]Handler)
	}
	id := t.next
	t.next++
	t.handlers[channel][id] = h

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.handlers[channel], id)
			if len(t.handlers[channel]) == 0 {
				delete(t.handlers, channel)
			}
		})
	}
	return cancel, nil
}

func (t *MemoryTransport) SubscriberCount(ctx context.Context, channel string) (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int64(len(t.handlers[channel])), nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.handlers = make(map[string]map[int]Handler)
	return nil
}
