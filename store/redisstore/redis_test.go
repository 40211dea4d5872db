package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	accountage "github.com/wolfeidau/account-age"
	"github.com/wolfeidau/account-age/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("ACCOUNT_AGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ACCOUNT_AGE_TEST_REDIS_ADDR not set")
	}

	s, err := Dial(context.Background(), &redis.Options{Addr: addr},
		WithPrefix("account-age-test:"+uuid.NewString()),
		WithScanCount(2),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		iter := s.rdb.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
		for iter.Next(ctx) {
			_ = s.rdb.Del(ctx, iter.Val()).Err()
		}
		_ = s.Close()
	})
	return s
}

func entryFor(h string, days int, now time.Time, ttl time.Duration) accountage.CacheEntry {
	return accountage.NewCacheEntry(accountage.AgeRecord{
		Handle:     accountage.Handle(h),
		AgeDays:    days,
		ResolvedAt: now,
		Source:     accountage.SourceLive,
	}, now, ttl)
}

func TestKeys(t *testing.T) {
	s := New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), WithPrefix("app:entry:"))
	t.Cleanup(func() { _ = s.Close() })

	assert.Equal(t, "app:entry:alice", s.key("alice"))
	assert.Equal(t, accountage.Handle("alice"), s.handleFromKey("app:entry:alice"))
	assert.Equal(t, "redis", s.Name())
}

func TestStore_SaveGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.Save(ctx, entryFor("alice", 400, now, time.Hour)))

	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 400, got.Record.AgeDays)

	ttl, err := s.rdb.TTL(ctx, s.key("alice")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	require.NoError(t, s.Delete(ctx, "alice"))
	_, err = s.Get(ctx, "alice")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_SaveExpiredDeletes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.Save(ctx, entryFor("alice", 1, now, time.Hour)))
	require.NoError(t, s.Save(ctx, entryFor("alice", 1, now.Add(-2*time.Hour), time.Hour)))

	_, err := s.Get(ctx, "alice")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_LoadDiscardsCorrupt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	for _, h := range []string{"alice", "bob", "carol"} {
		require.NoError(t, s.Save(ctx, entryFor(h, 10, now, time.Hour)))
	}
	require.NoError(t, s.rdb.Set(ctx, s.key("mallory"), "garbage", time.Hour).Err())

	entries, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	exists, err := s.rdb.Exists(ctx, s.key("mallory")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
