// Package memory provides an in-process TTL store for development and tests.
package memory

import (
	"sync"
	"time"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/storage"
)

// TTLStore keeps entries in a map guarded by a mutex.
type TTLStore struct {
	mu     sync.RWMutex
	data   map[string]storage.Entry
	now    func() time.Time
	closed bool
}

// NewTTLStore creates an empty store.
func NewTTLStore() *TTLStore {
	return &TTLStore{
		data: make(map[string]storage.Entry),
		now:  time.Now,
	}
}

// WithNow overrides the clock. It returns the store for chaining in tests.
func (s *TTLStore) WithNow(now func() time.Time) *TTLStore {
	s.now = now
	return s
}

// Get implements storage.TTLStore. Expired entries are dropped on read.
func (s *TTLStore) Get(key string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false, storage.ErrClosed
	}
	e, ok := s.data[key]
	if !ok {
		return 0, false, nil
	}
	if e.Expired(s.now()) {
		delete(s.data, key)
		return 0, false, nil
	}
	return int(e.Value), true, nil
}

// Set implements storage.TTLStore.
func (s *TTLStore) Set(key string, value int, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.data[key] = storage.NewEntry(value, ttl, s.now())
	return nil
}

// Delete implements storage.TTLStore.
func (s *TTLStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	delete(s.data, key)
	return nil
}

// Close implements storage.TTLStore.
func (s *TTLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = nil
	return nil
}

var _ storage.TTLStore = (*TTLStore)(nil)
