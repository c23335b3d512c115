package storage

import (
	"strconv"
	"time"

	"github.com/gobwas/glob"
)

// Set stores a string value with optional absolute expiry. Any prior value,
// whatever its kind, is replaced by a fresh string entry.
func (s *Store) Set(key, value string, expiresAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = &Value{
		Kind:      StringKind,
		Str:       value,
		ExpiresAt: expiresAt,
	}
}

// Get retrieves a string value. Absent covers missing, expired and deleted
// keys; an expired entry is removed on read.
func (s *Store) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, exists := s.getLive(key)
	if !exists {
		return "", false, nil
	}
	if val.Kind != StringKind {
		return "", false, ErrWrongType
	}

	return val.Str, true, nil
}

// Incr increments the integer value of key by 1, treating a missing key as 0.
func (s *Store) Incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if val, exists := s.getLive(key); exists {
		if val.Kind != StringKind {
			return 0, ErrWrongType
		}
		parsed, err := strconv.ParseInt(val.Str, 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		current = parsed
	}

	current++
	s.data[key] = &Value{
		Kind: StringKind,
		Str:  strconv.FormatInt(current, 10),
	}
	return current, nil
}

// Keys returns all non-expired keys matching pattern. Pattern syntax is
// filename-style: *, ? and [set]. Order is unspecified.
func (s *Store) Keys(pattern string) ([]string, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, ErrBadPattern
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.data))
	now := s.clock.Now()
	for key, val := range s.data {
		if val.ExpiresAt != nil && now.After(*val.ExpiresAt) {
			continue
		}
		if g.Match(key) {
			keys = append(keys, key)
		}
	}

	return keys, nil
}
