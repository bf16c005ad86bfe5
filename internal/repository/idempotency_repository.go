package repository

import (
	"context"
	"crop-ledger/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyRepository remembers responses of payable requests so a retried
// request is answered from Redis instead of moving value twice.
type IdempotencyRepository interface {
	// Reserve marks the request as in flight. It reports false when the key
	// was already reserved or completed.
	Reserve(ctx context.Context, account, endpoint, key string) (bool, error)
	Get(ctx context.Context, account, endpoint, key string) (*models.StoredResponse, error)
	Save(ctx context.Context, account, endpoint, key string, resp *models.StoredResponse) error
	Release(ctx context.Context, account, endpoint, key string) error
	// Keys lists the idempotency keys currently held for account.
	Keys(ctx context.Context, account string) ([]string, error)
}

type idempotencyRepository struct {
	client     *redis.Client
	expiration time.Duration
}

func NewIdempotencyRepository(client *redis.Client, expiration time.Duration) IdempotencyRepository {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &idempotencyRepository{client: client, expiration: expiration}
}

func (r *idempotencyRepository) Reserve(ctx context.Context, account, endpoint, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("idempotency key cannot be empty")
	}
	data, err := json.Marshal(models.StoredResponse{Pending: true, StoredAt: time.Now()})
	if err != nil {
		return false, fmt.Errorf("failed to marshal pending marker: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.getResponseKey(account, endpoint, key), data, r.expiration).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	return ok, nil
}

func (r *idempotencyRepository) Get(ctx context.Context, account, endpoint, key string) (*models.StoredResponse, error) {
	data, err := r.client.Get(ctx, r.getResponseKey(account, endpoint, key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get stored response: %w", err)
	}

	var resp models.StoredResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored response: %w", err)
	}
	return &resp, nil
}

func (r *idempotencyRepository) Save(ctx context.Context, account, endpoint, key string, resp *models.StoredResponse) error {
	resp.Pending = false
	if resp.StoredAt.IsZero() {
		resp.StoredAt = time.Now()
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal stored response: %w", err)
	}

	accountKey := r.getAccountKey(account)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.getResponseKey(account, endpoint, key), data, r.expiration)
	pipe.SAdd(ctx, accountKey, endpoint+":"+key)
	pipe.Expire(ctx, accountKey, r.expiration)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store response: %w", err)
	}
	return nil
}

func (r *idempotencyRepository) Release(ctx context.Context, account, endpoint, key string) error {
	if err := r.client.Del(ctx, r.getResponseKey(account, endpoint, key)).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (r *idempotencyRepository) Keys(ctx context.Context, account string) ([]string, error) {
	keys, err := r.client.SMembers(ctx, r.getAccountKey(account)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list idempotency keys: %w", err)
	}
	return keys, nil
}

func (r *idempotencyRepository) getResponseKey(account, endpoint, key string) string {
	return fmt.Sprintf("ledger:idem:%s:%s:%s", account, endpoint, key)
}

func (r *idempotencyRepository) getAccountKey(account string) string {
	return fmt.Sprintf("ledger:idem_keys:%s", account)
}
