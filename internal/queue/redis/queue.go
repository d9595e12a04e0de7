// Package redis implements the work and result queues as Redis lists.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/osint-shield/internal/pipeline"
)

// Dialer opens Redis-backed queue connections.
type Dialer struct {
	opts *goredis.Options
}

// NewDialer parses a redis:// URL.
func NewDialer(rawURL string) (*Dialer, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Dialer{opts: opts}, nil
}

// Dial creates a client and verifies it with PING.
func (d *Dialer) Dial(ctx context.Context) (pipeline.QueueConn, error) {
	client := goredis.NewClient(d.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", d.opts.Addr, err)
	}
	return &Conn{client: client}, nil
}

// Conn is a queue connection over a single Redis client.
type Conn struct {
	client *goredis.Client
}

// NewConn wraps an existing client, mainly for sharing one client between
// the queue and the dispatch store.
func NewConn(client *goredis.Client) *Conn {
	return &Conn{client: client}
}

// Push appends payload with RPUSH.
func (c *Conn) Push(ctx context.Context, queue string, payload []byte) error {
	if err := c.client.RPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", queue, err)
	}
	return nil
}

// Requeue puts payload back at the head with LPUSH.
func (c *Conn) Requeue(ctx context.Context, queue string, payload []byte) error {
	if err := c.client.LPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", queue, err)
	}
	return nil
}

// Pop blocks with BLPOP for up to timeout.
func (c *Conn) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := c.client.BLPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, pipeline.ErrQueueEmpty
		}
		return nil, fmt.Errorf("blpop %s: %w", queue, err)
	}
	// BLPOP replies with [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("blpop %s: unexpected reply length %d", queue, len(res))
	}
	return []byte(res[1]), nil
}

// Ping checks the connection.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the client.
func (c *Conn) Close() error {
	if err := c.client.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
