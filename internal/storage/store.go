package storage

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type ValueKind int

const (
	StringKind ValueKind = iota
	StreamKind
)

type Value struct {
	Kind      ValueKind
	Str       string
	Stream    *Stream
	ExpiresAt *time.Time
}

// Store is the process-wide keyspace. The mutex is held only across
// non-suspending critical sections; blocking commands poll from outside.
type Store struct {
	mu    sync.Mutex
	data  map[string]*Value
	clock clock.Clock
}

func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		data:  make(map[string]*Value),
		clock: clk,
	}
}

// getLive returns the entry for key, lazily removing it when expired.
// Caller must hold s.mu.
func (s *Store) getLive(key string) (*Value, bool) {
	val, exists := s.data[key]
	if !exists {
		return nil, false
	}

	if val.ExpiresAt != nil && s.clock.Now().After(*val.ExpiresAt) {
		delete(s.data, key)
		return nil, false
	}

	return val, true
}

// Type reports "string", "stream" or "none" for key.
func (s *Store) Type(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, exists := s.getLive(key)
	if !exists {
		return "none"
	}

	switch val.Kind {
	case StreamKind:
		return "stream"
	default:
		return "string"
	}
}
