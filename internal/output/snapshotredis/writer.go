package snapshotredis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"meshgraph/internal/output"
)

// Config configures the Redis publisher.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Channel   string
	// TTL expires the latest-snapshot keys. Zero keeps them forever.
	TTL time.Duration
}

type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Writer stores the latest snapshot of each view under a key and publishes
// every snapshot on a channel.
type Writer struct {
	client  redisClient
	prefix  string
	channel string
	ttl     time.Duration
}

// NewWriter connects to Redis and verifies the connection.
func NewWriter(cfg Config) (*Writer, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis snapshot store: %w", err)
	}
	return newWriter(client, cfg), nil
}

func newWriter(client redisClient, cfg Config) *Writer {
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "meshgraph"
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = prefix + ":snapshots"
	}
	return &Writer{client: client, prefix: prefix, channel: channel, ttl: cfg.TTL}
}

// WriteSnapshot replaces the view's latest key and publishes rec.
func (w *Writer) WriteSnapshot(ctx context.Context, rec output.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := w.client.Set(ctx, w.latestKey(rec.View), body, w.ttl).Err(); err != nil {
		return fmt.Errorf("store latest snapshot: %w", err)
	}
	if err := w.client.Publish(ctx, w.channel, body).Err(); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// Close closes Redis resources.
func (w *Writer) Close() error {
	if w == nil || w.client == nil {
		return nil
	}
	return w.client.Close()
}

func (w *Writer) latestKey(view string) string {
	return w.prefix + ":latest:" + view
}
