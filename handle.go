// Package accountage provides the data model shared by the account age
// lookup engine: user handles, resolved age records and cache entries.
package accountage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxHandleLength is the longest handle accepted by ParseHandle.
const MaxHandleLength = 20

// ErrInvalidHandle is returned when a string is not a valid user handle.
var ErrInvalidHandle = errors.New("invalid handle")

// Handle identifies a user. Handles are case-insensitive; a Handle value is
// always the lower-cased canonical form so it can be used directly as a map key.
type Handle string

// ParseHandle validates s and returns its canonical Handle.
// An optional "u/" or "/u/" prefix is accepted and stripped.
func ParseHandle(s string) (Handle, error) {
	name := strings.TrimSpace(s)
	name = strings.TrimPrefix(name, "/")
	if len(name) > 2 && (name[:2] == "u/" || name[:2] == "U/") {
		name = name[2:]
	}

	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidHandle)
	}
	if len(name) > MaxHandleLength {
		return "", fmt.Errorf("%w: %q longer than %d characters", ErrInvalidHandle, name, MaxHandleLength)
	}
	for _, c := range name {
		if !isHandleChar(c) {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidHandle, name, c)
		}
	}
	return Handle(strings.ToLower(name)), nil
}

// MustParseHandle is like ParseHandle but panics on error. Intended for tests
// and constants.
func MustParseHandle(s string) Handle {
	h, err := ParseHandle(s)
	if err != nil {
		panic(err)
	}
	return h
}

// String returns the handle as a string.
func (h Handle) String() string {
	return string(h)
}

func isHandleChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-':
		return true
	default:
		return false
	}
}

// UnknownAge is the AgeDays value of a record whose age could not be resolved.
const UnknownAge = -1

// Source records where an AgeRecord was obtained.
type Source string

const (
	SourceCache Source = "cache"
	SourceLive  Source = "live"
)

// AgeRecord is the resolved account age for a handle. Records are values and
// are never mutated; a refresh produces a new record.
type AgeRecord struct {
	Handle     Handle    `json:"handle"`
	AgeDays    int       `json:"age_days"`
	ResolvedAt time.Time `json:"resolved_at"`
	Source     Source    `json:"source"`
}

// Known reports whether the record carries a resolved age.
func (r AgeRecord) Known() bool {
	return r.AgeDays >= 0
}

// WithSource returns a copy of r with the given source.
func (r AgeRecord) WithSource(s Source) AgeRecord {
	r.Source = s
	return r
}

// UnknownRecord returns a live record for h whose age could not be resolved.
func UnknownRecord(h Handle, at time.Time) AgeRecord {
	return AgeRecord{Handle: h, AgeDays: UnknownAge, ResolvedAt: at, Source: SourceLive}
}

// AgeInDays returns the number of whole days between created and now.
// Creation times in the future yield zero.
func AgeInDays(created, now time.Time) int {
	d := now.Sub(created)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// CacheEntry wraps an AgeRecord with its storage and expiry times.
type CacheEntry struct {
	Record    AgeRecord `json:"record"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewCacheEntry returns an entry for rec stored at now that lives for ttl.
func NewCacheEntry(rec AgeRecord, now time.Time, ttl time.Duration) CacheEntry {
	return CacheEntry{Record: rec, StoredAt: now, ExpiresAt: now.Add(ttl)}
}

// Expired reports whether the entry has outlived its TTL at now. An entry is
// still valid at exactly its expiry instant.
func (e CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// TTL returns the remaining lifetime of the entry at now, or zero if expired.
func (e CacheEntry) TTL(now time.Time) time.Duration {
	if e.Expired(now) {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}
