package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher wraps go-redis v9 behind the Publisher interface.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher connects to Redis using a redis:// URL and verifies the
// connection with a ping. Callers decide whether a connection failure means
// falling back to a no-op emitter.
func NewRedisPublisher(rawurl string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(rawurl)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.WriteTimeout = 2 * time.Second

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	slog.Info("event bus connected", "addr", opts.Addr)
	return &RedisPublisher{rdb: rdb}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.rdb.Publish(ctx, channel, payload).Err()
}

// Close shuts down the underlying client.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
