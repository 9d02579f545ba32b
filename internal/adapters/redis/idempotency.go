package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

type Idempotency struct {
	client *redis.Client
}

func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{client: client}
}

func idempotencyKey(key string) string {
	return "idemp:" + key
}

func (i *Idempotency) Load(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := i.client.Get(ctx, idempotencyKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Reserve claims key with SETNX and reports whether this caller got it.
func (i *Idempotency) Reserve(ctx context.Context, key string, data []byte, ttl time.Duration) (bool, error) {
	return i.client.SetNX(ctx, idempotencyKey(key), data, ttl).Result()
}

func (i *Idempotency) Store(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return i.client.Set(ctx, idempotencyKey(key), data, ttl).Err()
}

func (i *Idempotency) Delete(ctx context.Context, key string) error {
	return i.client.Del(ctx, idempotencyKey(key)).Err()
}
