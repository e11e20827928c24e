package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by unit tests that don't need a
// live Redis. Single-process writes are already serialized by mu, so
// CASHashField never actually needs to retry -- it still honors the same
// update-callback contract as the Redis-backed implementation.
type MemoryStore struct {
	mu      sync.Mutex
	hashes  map[string]map[string]string
	strings map[string]stringEntry
}

type stringEntry struct {
	value   string
	expires time.Time // zero means no TTL
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes:  make(map[string]map[string]string),
		strings: make(map[string]stringEntry),
	}
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) HGet(_ context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (s *MemoryStore) HSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *MemoryStore) getLocked(key string) (string, bool, error) {
	e, ok := s.strings[key]
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(s.strings, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	s.strings[key] = stringEntry{value: value, expires: expires}
	return nil
}

func (s *MemoryStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strings, key)
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok, _ := s.getLocked(key)
	var n int64
	if ok {
		// Best-effort parse; throttle counters are always written by Incr itself.
		n, _ = strconv.ParseInt(cur, 10, 64)
	}
	n++

	e := s.strings[key]
	e.value = strconv.FormatInt(n, 10)
	if !ok && ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	s.strings[key] = e
	return n, nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok || e.expires.IsZero() {
		return 0, nil
	}
	d := time.Until(e.expires)
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (s *MemoryStore) CASHashField(_ context.Context, key, field string, update func(current string, exists bool) (string, bool, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	cur, exists := h[field]

	newValue, apply, err := update(cur, exists)
	if err != nil {
		return false, err
	}
	if !apply {
		return false, nil
	}
	h[field] = newValue
	return true, nil
}
