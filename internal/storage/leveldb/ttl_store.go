// Package leveldb persists TTL entries in a goleveldb database so estimates
// survive restarts.
package leveldb

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	ldbstorage "github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/storage"
)

const keyPrefix = "ttl:"

// TTLStore is a storage.TTLStore over a goleveldb database.
type TTLStore struct {
	db  *leveldb.DB
	now func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) a database directory at path.
func Open(path string) (*TTLStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &TTLStore{db: db, now: time.Now}, nil
}

// OpenMemory opens a database held entirely in memory.
func OpenMemory() (*TTLStore, error) {
	db, err := leveldb.Open(ldbstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory leveldb: %w", err)
	}
	return &TTLStore{db: db, now: time.Now}, nil
}

// Get implements storage.TTLStore. Expired entries are deleted lazily.
func (s *TTLStore) Get(key string) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, false, storage.ErrClosed
	}
	b, err := s.db.Get([]byte(keyPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get %s: %w", key, err)
	}
	var e storage.Entry
	if err := e.UnmarshalBinary(b); err != nil {
		// Unreadable entries are treated as absent and overwritten later.
		return 0, false, nil
	}
	if e.Expired(s.now()) {
		_ = s.db.Delete([]byte(keyPrefix+key), nil)
		return 0, false, nil
	}
	return int(e.Value), true, nil
}

// Set implements storage.TTLStore.
func (s *TTLStore) Set(key string, value int, ttl time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	b, err := storage.NewEntry(value, ttl, s.now()).MarshalBinary()
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte(keyPrefix+key), b, nil); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete implements storage.TTLStore.
func (s *TTLStore) Delete(key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	if err := s.db.Delete([]byte(keyPrefix+key), nil); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Close implements storage.TTLStore.
func (s *TTLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ storage.TTLStore = (*TTLStore)(nil)
