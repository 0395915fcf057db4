package keylock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/billrecon/internal/pkg/env"
)

const isolatedKeyLockTestRedisDB = 13

func testRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379")),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       isolatedKeyLockTestRedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLockExcludesSecondHolder(t *testing.T) {
	client := testRedisClient(t)
	l := NewRedis(client, 5*time.Second)
	key := fmt.Sprintf("test:%d", time.Now().UnixNano())

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := l.Lock(context.Background(), key)
	require.NoError(t, err)
	unlock2()

	exists, err := client.Exists(context.Background(), DefaultKeyPrefix+key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestRedisReleaseKeepsForeignToken(t *testing.T) {
	client := testRedisClient(t)
	l := NewRedis(client, 5*time.Second)
	key := fmt.Sprintf("test:%d", time.Now().UnixNano())

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)

	// Simulate expiry followed by another instance taking the key.
	require.NoError(t, client.Set(context.Background(), DefaultKeyPrefix+key, "other", time.Minute).Err())
	unlock()

	val, err := client.Get(context.Background(), DefaultKeyPrefix+key).Result()
	require.NoError(t, err)
	assert.Equal(t, "other", val)
	require.NoError(t, client.Del(context.Background(), DefaultKeyPrefix+key).Err())
}
