// Package store defines persistence for cached account age records.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	accountage "github.com/wolfeidau/account-age"
)

var (
	// ErrNotFound is returned when no entry exists for a handle.
	ErrNotFound = errors.New("store: not found")

	// ErrCorrupt is returned when a stored entry cannot be decoded.
	ErrCorrupt = errors.New("store: corrupt entry")
)

// EnvelopeVersion is the current serialization version.
const EnvelopeVersion = 1

// Store persists cache entries across restarts. Implementations treat expired
// and corrupt entries as absent and remove them when they are encountered.
type Store interface {
	// Load returns every live entry. Expired and corrupt entries are
	// discarded.
	Load(ctx context.Context) ([]accountage.CacheEntry, error)

	// Get returns the entry for h. It returns ErrNotFound if absent or
	// expired, and an error wrapping ErrCorrupt if it cannot be decoded.
	Get(ctx context.Context, h accountage.Handle) (accountage.CacheEntry, error)

	// Save writes entry, replacing any prior entry for the same handle.
	Save(ctx context.Context, entry accountage.CacheEntry) error

	// Delete removes the entry for h. Deleting a missing entry is not an error.
	Delete(ctx context.Context, h accountage.Handle) error

	// Sweep removes expired entries and returns how many were removed.
	Sweep(ctx context.Context) (int, error)

	// Name identifies the backend in logs and metrics.
	Name() string

	Close() error
}

type envelope struct {
	Version   int                  `json:"v"`
	Record    accountage.AgeRecord `json:"record"`
	StoredAt  time.Time            `json:"stored_at"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// Encode serializes entry into the versioned JSON envelope.
func Encode(entry accountage.CacheEntry) ([]byte, error) {
	data, err := json.Marshal(envelope{
		Version:   EnvelopeVersion,
		Record:    entry.Record,
		StoredAt:  entry.StoredAt,
		ExpiresAt: entry.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding entry: %w", err)
	}
	return data, nil
}

// Decode parses an envelope produced by Encode. Any failure, including an
// unknown version or an invalid handle, wraps ErrCorrupt.
func Decode(data []byte) (accountage.CacheEntry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return accountage.CacheEntry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != EnvelopeVersion {
		return accountage.CacheEntry{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.Version)
	}
	h, err := accountage.ParseHandle(string(env.Record.Handle))
	if err != nil {
		return accountage.CacheEntry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.ExpiresAt.IsZero() || env.ExpiresAt.Before(env.StoredAt) {
		return accountage.CacheEntry{}, fmt.Errorf("%w: invalid expiry", ErrCorrupt)
	}
	env.Record.Handle = h
	return accountage.CacheEntry{
		Record:    env.Record,
		StoredAt:  env.StoredAt,
		ExpiresAt: env.ExpiresAt,
	}, nil
}
