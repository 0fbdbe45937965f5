package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSTransport is the alternate backbone for deployments already running
// NATS. It does not implement SubscriberCounter: core NATS has no way to
// count remote subscribers, so recipient counts report zero.
type NATSTransport struct {
	conn *nats.Conn
}

func NewNATS(url string, opts ...nats.Option) (*NATSTransport, error) {
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSTransport{conn: nc}, nil
}

func (t *NATSTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.conn.Publish(channel, payload)
}

func (t *NATSTransport) Subscribe(channel string, h Handler) (func(), error) {
	sub, err := t.conn.Subscribe(channel, func(msg *nats.Msg) {
		h(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so publishes from other connections are routed to it.
	if err := t.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
		})
	}
	return cancel, nil
}

func (t *NATSTransport) Close() error {
	t.conn.Close()
	return nil
}
