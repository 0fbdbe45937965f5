package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisTransport fans events out over Redis pub/sub. Channel subscriber
// counts come from PUBSUB NUMSUB, which is what recipientCount reporting
// relies on.
type RedisTransport struct {
	rdb    *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRedis(url string) (*RedisTransport, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisTransport{rdb: client, ctx: ctx, cancel: cancel}, nil
}

// NewRedisWithClient wraps an existing client; the caller keeps ownership of it.
func NewRedisWithClient(client *redis.Client) *RedisTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisTransport{rdb: client, ctx: ctx, cancel: cancel}
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.rdb.Publish(ctx, channel, payload).Err()
}

func (t *RedisTransport) Subscribe(channel string, h Handler) (func(), error) {
	sub := t.rdb.Subscribe(t.ctx, channel)
	// Wait for the subscription to be established so publishes issued right
	// after Subscribe returns are routed.
	if _, err := sub.Receive(t.ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	ch := sub.Channel()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h([]byte(msg.Payload))
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}
	return cancel, nil
}

func (t *RedisTransport) SubscriberCount(ctx context.Context, channel string) (int64, error) {
	counts, err := t.rdb.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return 0, fmt.Errorf("pubsub numsub %s: %w", channel, err)
	}
	return counts[channel], nil
}

func (t *RedisTransport) Close() error {
	t.cancel()
	return t.rdb.Close()
}
