package kvstore

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	list      [][]byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process Store for single-instance deployments and tests.
// Locks, dedup markers and assignments held here are invisible to other
// processes, so running more than one instance against it forfeits
// cross-instance exclusivity.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Used by tests to simulate expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// lookup must be called with mu held.
func (s *MemoryStore) lookup(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if entry.expired(s.now()) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lookup(key)
	if !ok || entry.value == nil {
		return nil, ErrNotFound
	}
	return bytes.Clone(entry.value), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{value: bytes.Clone(value), expiresAt: s.expiry(ttl)}
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: bytes.Clone(value), expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lookup(key)
	if !ok || !bytes.Equal(entry.value, expected) {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: bytes.Clone(value), expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lookup(key)
	if !ok || !bytes.Equal(entry.value, expected) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Append(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, _ := s.lookup(key)
	entry.list = append(entry.list, bytes.Clone(value))
	if ttl > 0 {
		entry.expiresAt = s.expiry(ttl)
	}
	s.entries[key] = entry
	return nil
}

func (s *MemoryStore) List(_ context.Context, key string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lookup(key)
	if !ok {
		return nil, nil
	}
	out := make([][]byte, 0, len(entry.list))
	for _, v := range entry.list {
		out = append(out, bytes.Clone(v))
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
