// Package transport abstracts the pub/sub backbone the event engine rides on.
// Redis pub/sub is the primary implementation; NATS is an alternate backbone,
// and the in-memory transport serves tests and single-node deployments.
package transport

import "context"

// Handler receives the raw payload of a message published on a channel.
type Handler func(payload []byte)

type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers a handler for a channel. The returned cancel
	// function tears the listener down; calling it twice is safe.
	Subscribe(channel string, h Handler) (cancel func(), err error)
	Close() error
}

// SubscriberCounter is implemented by transports that can report how many
// subscribers a channel currently has. NATS core cannot answer this, so the
// publisher treats the capability as optional.
type SubscriberCounter interface {
	SubscriberCount(ctx context.Context, channel string) (int64, error)
}
