package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisChannel = "gastro-chat-events"

// RedisTransport fans payloads out through a Redis pub/sub channel.
type RedisTransport struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

// NewRedisTransport connects to addr and checks the connection with a PING.
func NewRedisTransport(ctx context.Context, addr, channel string, logger *slog.Logger) (*RedisTransport, error) {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisTransport{client: client, channel: channel, log: logger}, nil
}

func (t *RedisTransport) Publish(ctx context.Context, payload []byte) error {
	return t.client.Publish(ctx, t.channel, payload).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	pubsub := t.client.Subscribe(ctx, t.channel)
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *RedisTransport) Close() error { return t.client.Close() }
