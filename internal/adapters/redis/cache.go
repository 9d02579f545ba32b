package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

// Selections keeps each viewing session's selected ticket per listing. Keys
// expire after ttl so abandoned sessions do not accumulate.
type Selections struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSelections(client *redis.Client, ttl time.Duration) *Selections {
	return &Selections{client: client, ttl: ttl}
}

func selectionKey(sessionID, listingID string) string {
	return "sel:" + listingID + ":" + sessionID
}

func (s *Selections) Select(ctx context.Context, sessionID, listingID, ticketID string) error {
	return s.client.Set(ctx, selectionKey(sessionID, listingID), ticketID, s.ttl).Err()
}

func (s *Selections) Selected(ctx context.Context, sessionID, listingID string) (string, bool, error) {
	val, err := s.client.Get(ctx, selectionKey(sessionID, listingID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *Selections) Clear(ctx context.Context, sessionID, listingID string) error {
	return s.client.Del(ctx, selectionKey(sessionID, listingID)).Err()
}
