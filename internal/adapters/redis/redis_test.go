package redis

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelections(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	sel := NewSelections(client, 30*time.Minute)

	mock.ExpectSet("sel:evt-high:sess-1", "3", 30*time.Minute).SetVal("OK")
	require.NoError(t, sel.Select(ctx, "sess-1", "evt-high", "3"))

	mock.ExpectGet("sel:evt-high:sess-1").SetVal("3")
	id, ok, err := sel.Selected(ctx, "sess-1", "evt-high")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3", id)

	mock.ExpectDel("sel:evt-high:sess-1").SetVal(1)
	require.NoError(t, sel.Clear(ctx, "sess-1", "evt-high"))

	mock.ExpectGet("sel:evt-high:sess-1").RedisNil()
	_, ok, err = sel.Selected(ctx, "sess-1", "evt-high")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotency(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	idemp := NewIdempotency(client)

	mock.ExpectGet("idemp:key-1").RedisNil()
	_, ok, err := idemp.Load(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectSetNX("idemp:key-1", []byte(`{"pending":true}`), time.Minute).SetVal(true)
	claimed, err := idemp.Reserve(ctx, "key-1", []byte(`{"pending":true}`), time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	mock.ExpectSetNX("idemp:key-1", []byte(`{"pending":true}`), time.Minute).SetVal(false)
	claimed, err = idemp.Reserve(ctx, "key-1", []byte(`{"pending":true}`), time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	mock.ExpectSet("idemp:key-1", []byte(`{"status":201}`), time.Hour).SetVal("OK")
	require.NoError(t, idemp.Store(ctx, "key-1", []byte(`{"status":201}`), time.Hour))

	mock.ExpectGet("idemp:key-1").SetVal(`{"status":201}`)
	data, ok, err := idemp.Load(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"status":201}`, string(data))

	mock.ExpectDel("idemp:key-1").SetVal(1)
	require.NoError(t, idemp.Delete(ctx, "key-1"))

	require.NoError(t, mock.ExpectationsWereMet())
}
