package rateLimit

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	redisadapter "github.com/robertarktes/ticket-auctions/internal/adapters/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Allow(t *testing.T) {
	client, mock := redismock.NewClientMock()
	rl := NewRateLimiter(redisadapter.NewCache(client))
	ctx := context.Background()

	mock.ExpectIncr("rl:user:u1").SetVal(3)
	mock.ExpectExpireNX("rl:user:u1", time.Minute).SetVal(false)
	assert.True(t, rl.Allow(ctx, "user:u1", 3, time.Minute))

	mock.ExpectIncr("rl:user:u1").SetVal(4)
	mock.ExpectExpireNX("rl:user:u1", time.Minute).SetVal(false)
	assert.False(t, rl.Allow(ctx, "user:u1", 3, time.Minute))

	require.NoError(t, mock.ExpectationsWereMet())
}
