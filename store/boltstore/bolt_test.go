package boltstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	accountage "github.com/wolfeidau/account-age"
	"github.com/wolfeidau/account-age/store"
	"go.etcd.io/bbolt"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithNoSync(true), WithNow(clock.Now)}, opts...)
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func entryFor(h string, days int, now time.Time, ttl time.Duration) accountage.CacheEntry {
	rec := accountage.AgeRecord{
		Handle:     accountage.Handle(h),
		AgeDays:    days,
		ResolvedAt: now,
		Source:     accountage.SourceLive,
	}
	return accountage.NewCacheEntry(rec, now, ttl)
}

func TestStore_SaveGetDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		s, clock := newTestStore(t)

		require.NoError(t, s.Save(ctx, entryFor("alice", 400, clock.Now(), time.Hour)))

		got, err := s.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 400, got.Record.AgeDays)
		assert.Equal(t, accountage.Handle("alice"), got.Record.Handle)
	})

	t.Run("missing returns ErrNotFound", func(t *testing.T) {
		s, _ := newTestStore(t)

		_, err := s.Get(ctx, "nobody")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s, clock := newTestStore(t)

		require.NoError(t, s.Save(ctx, entryFor("alice", 1, clock.Now(), time.Hour)))
		require.NoError(t, s.Delete(ctx, "alice"))
		require.NoError(t, s.Delete(ctx, "alice"))

		_, err := s.Get(ctx, "alice")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("expired entry is removed on get", func(t *testing.T) {
		s, clock := newTestStore(t)

		require.NoError(t, s.Save(ctx, entryFor("alice", 1, clock.Now(), time.Minute)))
		clock.Advance(time.Minute)
		_, err := s.Get(ctx, "alice")
		require.NoError(t, err, "still valid at exactly the TTL")

		clock.Advance(time.Second)
		_, err = s.Get(ctx, "alice")
		require.ErrorIs(t, err, store.ErrNotFound)

		n, err := s.Len()
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("corrupt entry is discarded", func(t *testing.T) {
		s, _ := newTestStore(t)

		require.NoError(t, s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketEntries).Put([]byte("mallory"), []byte("not json"))
		}))

		_, err := s.Get(ctx, "mallory")
		require.ErrorIs(t, err, store.ErrCorrupt)

		_, err = s.Get(ctx, "mallory")
		require.ErrorIs(t, err, store.ErrNotFound, "corrupt entry must be removed")
	})
}

func TestStore_SaveReplacesExpiryIndex(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	require.NoError(t, s.Save(ctx, entryFor("alice", 1, clock.Now(), time.Minute)))
	require.NoError(t, s.Save(ctx, entryFor("alice", 2, clock.Now(), time.Hour)))

	var forward, reverse int
	require.NoError(t, s.db.View(func(tx *bbolt.Tx) error {
		forward = tx.Bucket(bucketEntriesByExpiry).Stats().KeyN
		reverse = tx.Bucket(bucketExpiryByHandle).Stats().KeyN
		return nil
	}))
	assert.Equal(t, 1, forward)
	assert.Equal(t, 1, reverse)

	clock.Advance(2 * time.Minute)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "re-saved entry must not be swept with its old expiry")

	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Record.AgeDays)
}

func TestStore_Load(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	now := clock.Now()

	require.NoError(t, s.Save(ctx, entryFor("alice", 400, now, time.Hour)))
	require.NoError(t, s.Save(ctx, entryFor("bob", 3, now, time.Minute)))
	require.NoError(t, s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte("broken"), []byte(`{"v":99}`))
	}))

	clock.Advance(10 * time.Minute)

	entries, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, accountage.Handle("alice"), entries[0].Record.Handle)

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "expired and corrupt entries are removed on load")
}

func TestStore_Sweep(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, WithSweepBatch(3))
	now := clock.Now()

	for i := range 7 {
		require.NoError(t, s.Save(ctx, entryFor(fmt.Sprintf("short%d", i), i, now, time.Minute)))
	}
	require.NoError(t, s.Save(ctx, entryFor("long", 1, now, time.Hour)))

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Minute)

	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	remaining, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	var forward int
	require.NoError(t, s.db.View(func(tx *bbolt.Tx) error {
		forward = tx.Bucket(bucketEntriesByExpiry).Stats().KeyN
		return nil
	}))
	assert.Equal(t, 1, forward)
}

func TestStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")
	now := time.Now()

	s, err := Open(path, WithNoSync(true))
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, entryFor("alice", 400, now, time.Hour)))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	s, err = Open(path, WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	entries, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bolt", s.Name())
}

func TestTimestampEncoding(t *testing.T) {
	times := []time.Time{
		time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Unix(0, 0).UTC(),
		time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC),
	}
	for i, ts := range times {
		assert.True(t, ts.Equal(decodeTimestamp(encodeTimestamp(ts))))
		if i > 0 {
			assert.Less(t, string(encodeTimestamp(times[i-1])), string(encodeTimestamp(ts)))
		}
	}

	expiresAt, handle := parseExpiryKey(makeExpiryKey(times[2], "alice"))
	assert.True(t, times[2].Equal(expiresAt))
	assert.Equal(t, "alice", handle)
}
