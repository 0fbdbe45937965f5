package transport

import "context"

// NoopTransport discards everything (used when event distribution is disabled).
type NoopTransport struct{}

func (NoopTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return nil
}

func (NoopTransport) Subscribe(channel string, h Handler) (func(), error) {
	return func() {}, nil
}

func (NoopTransport) Close() error { return nil }
