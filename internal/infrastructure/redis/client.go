package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revocation lookups sit on the request path, so a slow Redis must fail fast and let
// the caller fall back to Postgres.
const (
	dialTimeout = 2 * time.Second
	ioTimeout   = 250 * time.Millisecond
)

// RedisClient is the subset of Redis the revocation cache needs.
type RedisClient interface {
	Exists(ctx context.Context, key string) (bool, error)
	SetMarker(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

type Client struct {
	client *redis.Client
}

// NewClient connects and pings. The caller decides whether a failure is fatal.
func NewClient(ctx context.Context, addr string) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  dialTimeout,
		ReadTimeout:  ioTimeout,
		WriteTimeout: ioTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "addr", addr, "error", err)
		client.Close()
		return nil, err
	}

	slog.Info("connected to Redis", "addr", addr)
	return &Client{client: client}, nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetMarker stores a placeholder value under key that disappears after ttl.
func (c *Client) SetMarker(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Set(ctx, key, "1", ttl).Err()
}

func (c *Client) Close() error {
	return c.client.Close()
}
