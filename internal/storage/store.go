// Package storage defines the small key/value stores cachewarden keeps
// between runs. Implementations live in subpackages.
package storage

import (
	"encoding/binary"
	"errors"
	"time"
)

// ErrClosed is returned after a store has been closed.
var ErrClosed = errors.New("store closed")

// TTLStore holds integer values that expire after a fixed lifetime.
type TTLStore interface {
	// Get returns the value and true when key is present and unexpired.
	Get(key string) (int, bool, error)
	// Set stores value under key for ttl. A non-positive ttl never expires.
	Set(key string, value int, ttl time.Duration) error
	Delete(key string) error
	Close() error
}

// Entry is a stored value with its absolute expiry. A zero ExpiresAt never
// expires.
type Entry struct {
	Value     int64
	ExpiresAt int64
}

// NewEntry builds an Entry expiring ttl after now.
func NewEntry(value int, ttl time.Duration, now time.Time) Entry {
	e := Entry{Value: int64(value)}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl).UnixNano()
	}
	return e
}

// Expired reports whether the entry is stale at now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixNano() >= e.ExpiresAt
}

// MarshalBinary encodes the entry as two big-endian int64s.
func (e Entry) MarshalBinary() ([]byte, error) {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], uint64(e.Value))
	binary.BigEndian.PutUint64(b[8:], uint64(e.ExpiresAt))
	return b, nil
}

// UnmarshalBinary decodes an entry written by MarshalBinary.
func (e *Entry) UnmarshalBinary(b []byte) error {
	if len(b) != 16 {
		return errors.New("storage: malformed entry")
	}
	e.Value = int64(binary.BigEndian.Uint64(b[:8]))
	e.ExpiresAt = int64(binary.BigEndian.Uint64(b[8:]))
	return nil
}
