// Package redis backs the bridge's distributed pieces with go-redis/v9: the
// single-instance live-trading lock, the shared cancel gate, the control API
// write budget, the signal and price intake, and event fan-out.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ClientConfig is the [redis] section as the client needs it.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

func (cfg ClientConfig) options() *redis.Options {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Client is the one connection pool every Redis-backed component shares.
type Client struct {
	rdb *redis.Client
}

// New dials Redis and fails fast when the server does not answer PING.
// The password never appears in the returned error.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	rdb := redis.NewClient(cfg.options())
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Ping backs the "redis" entry of /api/health.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the pool. Components built on c stop working after it.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying exposes the go-redis client to the components in this package.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
