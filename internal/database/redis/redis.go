package redis

import (
	"context"
	"crop-ledger/internal/config"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

// Client holds the Redis connection backing Idempotency-Key records.
type Client struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient pings Redis until it answers, backing off exponentially for
// at most maxRetries retries.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, maxRetries uint64) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	backoff, err := retry.NewExponential(200 * time.Millisecond)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create backoff: %w", err)
	}
	backoff = retry.WithMaxRetries(maxRetries, retry.WithCappedDuration(5*time.Second, backoff))

	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			slog.Warn("Redis ping failed, retrying", "addr", client.Options().Addr, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", attempt, err)
	}

	slog.Info("Connected to Redis", "addr", client.Options().Addr, "idempotency_ttl", cfg.IdempotentTTL)
	return &Client{client: client, ttl: cfg.IdempotentTTL}, nil
}

func (c *Client) GetClient() *redis.Client {
	return c.client
}

// IdempotencyTTL is how long a stored response stays replayable.
func (c *Client) IdempotencyTTL() time.Duration {
	return c.ttl
}

func (c *Client) Close() error {
	return c.client.Close()
}
