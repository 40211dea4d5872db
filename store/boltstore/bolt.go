// Package boltstore implements store.Store on a local bbolt database.
package boltstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	accountage "github.com/wolfeidau/account-age"
	"github.com/wolfeidau/account-age/store"
	"go.etcd.io/bbolt"
)

// DefaultSweepBatch bounds the number of entries removed per Sweep transaction.
const DefaultSweepBatch = 500

// Store persists cache entries in bbolt. Each entry is indexed by expiry time
// so Sweep can remove expired entries without scanning the whole database.
type Store struct {
	db         *bbolt.DB
	logger     *slog.Logger
	now        func() time.Time
	noSync     bool
	sweepBatch int
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

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

// WithNoSync disables fsync per transaction.
// WARNING: risks data loss on crash. Use only for testing.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// WithSweepBatch sets the maximum entries removed per sweep transaction.
func WithSweepBatch(n int) Option {
	return func(s *Store) {
		s.sweepBatch = n
	}
}

// Open opens or creates the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		logger:     slog.Default(),
		now:        time.Now,
		sweepBatch: DefaultSweepBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "boltstore")

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.createBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.logger.Debug("opened store", "path", path, "noSync", s.noSync)
	return s, nil
}

func (s *Store) createBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketEntriesByExpiry, bucketExpiryByHandle} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Name implements store.Store.
func (s *Store) Name() string {
	return "bolt"
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing store")
	err := s.db.Close()
	s.db = nil
	return err
}

// Save implements store.Store.
func (s *Store) Save(_ context.Context, entry accountage.CacheEntry) error {
	data, err := store.Encode(entry)
	if err != nil {
		return err
	}
	handle := entry.Record.Handle.String()

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketEntries).Put([]byte(handle), data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		return s.updateExpiryIndex(tx, handle, &entry.ExpiresAt)
	})
}

// Get implements store.Store. Corrupt and expired entries are removed.
func (s *Store) Get(_ context.Context, h accountage.Handle) (accountage.CacheEntry, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketEntries).Get([]byte(h))
		if val == nil {
			return store.ErrNotFound
		}
		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	if err != nil {
		return accountage.CacheEntry{}, err
	}

	entry, err := store.Decode(data)
	if err != nil {
		s.logger.Warn("discarding corrupt entry", "handle", h, "error", err)
		if delErr := s.deleteHandle(h.String()); delErr != nil {
			return accountage.CacheEntry{}, errors.Join(err, delErr)
		}
		return accountage.CacheEntry{}, err
	}
	if entry.Expired(s.now()) {
		if err := s.deleteHandle(h.String()); err != nil {
			return accountage.CacheEntry{}, err
		}
		return accountage.CacheEntry{}, store.ErrNotFound
	}
	return entry, nil
}

// Delete implements store.Store.
func (s *Store) Delete(_ context.Context, h accountage.Handle) error {
	return s.deleteHandle(h.String())
}

func (s *Store) deleteHandle(handle string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.deleteInTx(tx, handle)
	})
}

func (s *Store) deleteInTx(tx *bbolt.Tx, handle string) error {
	if err := s.updateExpiryIndex(tx, handle, nil); err != nil {
		return err
	}
	if err := tx.Bucket(bucketEntries).Delete([]byte(handle)); err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	return nil
}

// updateExpiryIndex replaces the forward and reverse expiry index entries for
// handle. If expiresAt is nil, existing index entries are only removed.
func (s *Store) updateExpiryIndex(tx *bbolt.Tx, handle string, expiresAt *time.Time) error {
	forward := tx.Bucket(bucketEntriesByExpiry)
	reverse := tx.Bucket(bucketExpiryByHandle)

	if ts := reverse.Get([]byte(handle)); ts != nil {
		if err := forward.Delete(makeExpiryKey(decodeTimestamp(ts), handle)); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
		if err := reverse.Delete([]byte(handle)); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if expiresAt != nil {
		if err := forward.Put(makeExpiryKey(*expiresAt, handle), []byte(handle)); err != nil {
			return fmt.Errorf("putting expiry index: %w", err)
		}
		if err := reverse.Put([]byte(handle), encodeTimestamp(*expiresAt)); err != nil {
			return fmt.Errorf("putting expiry reverse index: %w", err)
		}
	}
	return nil
}

// Load implements store.Store. Expired and corrupt entries found while
// loading are removed from the database.
func (s *Store) Load(ctx context.Context) ([]accountage.CacheEntry, error) {
	now := s.now()
	var (
		entries []accountage.CacheEntry
		discard []string
	)

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			entry, err := store.Decode(v)
			if err != nil {
				s.logger.Warn("discarding corrupt entry", "handle", string(k), "error", err)
				discard = append(discard, string(k))
				return nil
			}
			if entry.Expired(now) {
				discard = append(discard, string(k))
				return nil
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading entries: %w", err)
	}

	if len(discard) > 0 {
		err := s.db.Update(func(tx *bbolt.Tx) error {
			for _, handle := range discard {
				if err := s.deleteInTx(tx, handle); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("discarding entries: %w", err)
		}
		s.logger.Debug("discarded stale entries on load", "count", len(discard))
	}

	return entries, nil
}

// Sweep implements store.Store. It walks the expiry index in time order and
// removes entries that expired before now, in batches.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	cutoff := encodeTimestamp(s.now())
	total := 0

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var keys [][]byte
		err := s.db.View(func(tx *bbolt.Tx) error {
			cursor := tx.Bucket(bucketEntriesByExpiry).Cursor()
			for k, _ := cursor.First(); k != nil && len(keys) < s.sweepBatch; k, _ = cursor.Next() {
				if bytes.Compare(k[:8], cutoff) >= 0 {
					break
				}
				keys = append(keys, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("scanning expiry index: %w", err)
		}
		if len(keys) == 0 {
			return total, nil
		}

		deleted := 0
		err = s.db.Update(func(tx *bbolt.Tx) error {
			reverse := tx.Bucket(bucketExpiryByHandle)
			for _, key := range keys {
				if err := tx.Bucket(bucketEntriesByExpiry).Delete(key); err != nil {
					return fmt.Errorf("deleting expiry index: %w", err)
				}
				// Skip entries re-saved with a later expiry since the scan.
				_, handle := parseExpiryKey(key)
				ts := reverse.Get([]byte(handle))
				if ts != nil && bytes.Compare(ts, cutoff) >= 0 {
					continue
				}
				if err := s.deleteInTx(tx, handle); err != nil {
					return err
				}
				deleted++
			}
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("deleting expired entries: %w", err)
		}
		total += deleted

		if len(keys) < s.sweepBatch {
			return total, nil
		}
	}
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return n, err
}
