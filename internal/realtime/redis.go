package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ashureev/echo-briefing/internal/delivery"
	"github.com/redis/go-redis/v9"
)

// ChannelPrefix prefixes the pub/sub channel of every room.
const ChannelPrefix = "echo:room:"

// RedisBroker fans events out through Redis pub/sub so that an observer
// connected to any instance receives them.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBroker creates a broker on an existing client.
func NewRedisBroker(client *redis.Client, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{client: client, logger: logger}
}

// DialRedis parses a redis:// URL and verifies the server answers.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, room string, ev delivery.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.client.Publish(ctx, ChannelPrefix+room, payload).Err()
}

// Subscribe implements Broker. It returns once the subscription is active;
// messages are delivered from a background goroutine until the returned
// closer is closed.
func (b *RedisBroker) Subscribe(ctx context.Context, deliver func(room string, ev delivery.Event)) (io.Closer, error) {
	pubsub := b.client.PSubscribe(ctx, ChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("psubscribe: %w", err)
	}

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			var ev delivery.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("dropping undecodable realtime event", "channel", msg.Channel, "error", err)
				continue
			}
			deliver(strings.TrimPrefix(msg.Channel, ChannelPrefix), ev)
		}
	}()
	return pubsub, nil
}

var _ Broker = (*RedisBroker)(nil)
