package store

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value    []byte
	deadline time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && now.After(e.deadline)
}

// MemStore implements Store with an in-process map. Expired entries are
// dropped lazily on access and by a janitor sweep, so they disappear
// even when never read again.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	stop    chan struct{}
	now     func() time.Time
}

// NewMemStore creates an in-memory store with a janitor sweeping at the
// given interval. An interval of zero disables the janitor (tests).
func NewMemStore(sweepEvery time.Duration) *MemStore {
	s := &MemStore{
		entries: make(map[string]memEntry),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	if sweepEvery > 0 {
		go s.janitor(sweepEvery)
	}
	return s
}

func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if e.expired(s.now()) {
		s.dropExpired(key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (s *MemStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memEntry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.deadline = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if e.expired(s.now()) {
		s.dropExpired(key)
		return false, nil
	}
	return true, nil
}

// dropExpired deletes key only if the current entry is still expired.
// The expiry check above happens outside the write lock, so a fresh
// Set can land in between; re-checking keeps that write alive.
func (s *MemStore) dropExpired(key string) {
	now := s.now()
	s.mu.Lock()
	if e, ok := s.entries[key]; ok && e.expired(now) {
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

// Close stops the janitor.
func (s *MemStore) Close() error {
	close(s.stop)
	return nil
}

func (s *MemStore) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemStore) sweep() {
	now := s.now()
	s.mu.Lock()
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()
}
