package boltstore

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketEntries         = []byte("entries")           // handle -> JSON envelope
	bucketEntriesByExpiry = []byte("entries_by_expiry") // timestamp+handle -> handle
	bucketExpiryByHandle  = []byte("expiry_by_handle")  // handle -> 8-byte timestamp (reverse index for O(1) delete)
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice
// that sorts in time order. Pre-1970 times are shifted into the unsigned range.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeExpiryKey creates a key for the entries_by_expiry index.
// Format: [8-byte timestamp][handle]
func makeExpiryKey(expiresAt time.Time, handle string) []byte {
	key := make([]byte, 8+len(handle))
	copy(key[:8], encodeTimestamp(expiresAt))
	copy(key[8:], handle)
	return key
}

func parseExpiryKey(data []byte) (time.Time, string) {
	if len(data) < 8 {
		return time.Time{}, ""
	}
	return decodeTimestamp(data[:8]), string(data[8:])
}
