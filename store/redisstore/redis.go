// Package redisstore implements store.Store on Redis. Each handle is one key
// carrying the JSON envelope, with native key expiry matching the entry TTL.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	accountage "github.com/wolfeidau/account-age"
	"github.com/wolfeidau/account-age/store"
)

// DefaultPrefix namespaces keys written by the store.
const DefaultPrefix = "account-age:entry"

// Store persists cache entries in Redis.
type Store struct {
	rdb       *redis.Client
	prefix    string
	scanCount int64
	logger    *slog.Logger
	now       func() time.Time
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

// WithScanCount sets the SCAN batch hint used by Load and Sweep.
func WithScanCount(n int64) Option {
	return func(s *Store) {
		s.scanCount = n
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns a store backed by rdb. The store owns rdb and closes it on Close.
func New(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{
		rdb:       rdb,
		prefix:    DefaultPrefix,
		scanCount: 100,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.scanCount <= 0 {
		s.scanCount = 100
	}
	s.logger = s.logger.With("component", "redisstore")
	return s
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, opts *redis.Options, storeOpts ...Option) (*Store, error) {
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis %s: %w", opts.Addr, err)
	}
	return New(rdb, storeOpts...), nil
}

func (s *Store) key(h accountage.Handle) string {
	return s.prefix + ":" + h.String()
}

func (s *Store) handleFromKey(key string) accountage.Handle {
	return accountage.Handle(strings.TrimPrefix(key, s.prefix+":"))
}

// Name implements store.Store.
func (s *Store) Name() string {
	return "redis"
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Save implements store.Store. Entries that have already expired are deleted
// rather than written.
func (s *Store) Save(ctx context.Context, entry accountage.CacheEntry) error {
	ttl := entry.TTL(s.now())
	if ttl <= 0 {
		return s.Delete(ctx, entry.Record.Handle)
	}

	data, err := store.Encode(entry)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(entry.Record.Handle), data, ttl).Err(); err != nil {
		return fmt.Errorf("saving %s: %w", entry.Record.Handle, err)
	}
	return nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, h accountage.Handle) (accountage.CacheEntry, error) {
	data, err := s.rdb.Get(ctx, s.key(h)).Bytes()
	if errors.Is(err, redis.Nil) {
		return accountage.CacheEntry{}, store.ErrNotFound
	}
	if err != nil {
		return accountage.CacheEntry{}, fmt.Errorf("getting %s: %w", h, err)
	}

	entry, err := store.Decode(data)
	if err != nil {
		s.logger.Warn("discarding corrupt entry", "handle", h, "error", err)
		if delErr := s.Delete(ctx, h); delErr != nil {
			return accountage.CacheEntry{}, errors.Join(err, delErr)
		}
		return accountage.CacheEntry{}, err
	}
	if entry.Expired(s.now()) {
		return accountage.CacheEntry{}, store.ErrNotFound
	}
	return entry, nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, h accountage.Handle) error {
	if err := s.rdb.Del(ctx, s.key(h)).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", h, err)
	}
	return nil
}

// Load implements store.Store.
func (s *Store) Load(ctx context.Context) ([]accountage.CacheEntry, error) {
	entries, discarded, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	if discarded > 0 {
		s.logger.Debug("discarded stale entries on load", "count", discarded)
	}
	return entries, nil
}

// Sweep implements store.Store. Redis expires keys on its own; Sweep only
// removes entries whose envelope is corrupt or whose recorded expiry has passed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	_, discarded, err := s.scan(ctx)
	return discarded, err
}

func (s *Store) scan(ctx context.Context) ([]accountage.CacheEntry, int, error) {
	now := s.now()
	var (
		entries []accountage.CacheEntry
		stale   []string
	)

	iter := s.rdb.Scan(ctx, 0, s.prefix+":*", s.scanCount).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, 0, fmt.Errorf("scanning keys: %w", err)
	}

	for start := 0; start < len(keys); start += int(s.scanCount) {
		batch := keys[start:min(start+int(s.scanCount), len(keys))]
		vals, err := s.rdb.MGet(ctx, batch...).Result()
		if err != nil {
			return nil, 0, fmt.Errorf("reading entries: %w", err)
		}
		for i, v := range vals {
			raw, ok := v.(string)
			if !ok {
				// Expired between SCAN and MGET.
				continue
			}
			entry, err := store.Decode([]byte(raw))
			if err != nil {
				s.logger.Warn("discarding corrupt entry", "handle", s.handleFromKey(batch[i]), "error", err)
				stale = append(stale, batch[i])
				continue
			}
			if entry.Expired(now) {
				stale = append(stale, batch[i])
				continue
			}
			entries = append(entries, entry)
		}
	}

	if len(stale) > 0 {
		if err := s.rdb.Del(ctx, stale...).Err(); err != nil {
			return nil, 0, fmt.Errorf("discarding entries: %w", err)
		}
	}
	return entries, len(stale), nil
}
