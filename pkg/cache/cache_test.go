package cache

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Close float64 `json:"close"`
}

func TestMemoryCache_SetGetJSON(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "latest", snapshot{Close: 2001.5}, time.Minute))
	var got snapshot
	require.NoError(t, mc.Get(ctx, "latest", &got))
	assert.Equal(t, 2001.5, got.Close)

	var s string
	assert.ErrorIs(t, mc.Get(ctx, "missing", &s), ErrCacheMiss)
}

func TestMemoryCache_Expiry(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	now := time.Unix(1000, 0)
	mc.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "k", "v", time.Second))
	ok, _ := mc.Exists(ctx, "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = mc.Exists(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryCache_Lock(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	ctx := context.Background()

	ok, err := mc.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = mc.TryLock(ctx, "job", time.Minute)
	assert.False(t, ok)

	require.NoError(t, mc.Unlock(ctx, "job"))
	ok, _ = mc.TryLock(ctx, "job", time.Minute)
	assert.True(t, ok)
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	mc := NewMemoryCache(WithMaxSize(2))
	defer mc.Close()
	tick := time.Unix(0, 0)
	mc.now = func() time.Time { tick = tick.Add(time.Second); return tick }
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "a", "1", 0))
	require.NoError(t, mc.Set(ctx, "b", "2", 0))
	var s string
	require.NoError(t, mc.Get(ctx, "a", &s))
	require.NoError(t, mc.Set(ctx, "c", "3", 0))

	assert.ErrorIs(t, mc.Get(ctx, "b", &s), ErrCacheMiss)
	assert.NoError(t, mc.Get(ctx, "a", &s))
}

func TestRedisCache_SetGetPublish(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedisCacheWithClient(db, "candlecast")
	ctx := context.Background()

	mock.ExpectSet("candlecast:latest", []byte(`{"close":1}`), time.Minute).SetVal("OK")
	require.NoError(t, c.Set(ctx, "latest", snapshot{Close: 1}, time.Minute))

	mock.ExpectGet("candlecast:latest").SetVal(`{"close":1}`)
	var got snapshot
	require.NoError(t, c.Get(ctx, "latest", &got))
	assert.Equal(t, 1.0, got.Close)

	mock.ExpectGet("candlecast:gone").RedisNil()
	assert.ErrorIs(t, c.Get(ctx, "gone", &got), ErrCacheMiss)

	mock.ExpectPublish("candlecast:predictions", []byte(`{"close":2}`)).SetVal(1)
	require.NoError(t, c.Publish(ctx, "predictions", snapshot{Close: 2}))

	mock.ExpectSetNX("candlecast:lock", "locked", time.Minute).SetVal(true)
	ok, err := c.TryLock(ctx, "lock", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}
