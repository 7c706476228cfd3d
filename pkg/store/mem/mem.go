// Package mem implements [store.KV] on an in-process map. It backs unit tests
// and the memory-only degraded mode entered when local storage fails.
package mem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sotto-voice/sotto/pkg/store"
)

// Store is a map-backed [store.KV]. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]record
}

type record struct {
	value     []byte
	updatedAt time.Time
}

// Compile-time interface check.
var _ store.KV = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{data: make(map[string]map[string]record)}
}

// Get implements [store.KV].
func (s *Store) Get(_ context.Context, ns, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[ns][key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]byte, len(rec.value))
	copy(out, rec.value)
	return out, nil
}

// Put implements [store.KV].
func (s *Store) Put(_ context.Context, ns, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[ns] == nil {
		s.data[ns] = make(map[string]record)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[ns][key] = record{value: cp, updatedAt: time.Now()}
	return nil
}

// Delete implements [store.KV].
func (s *Store) Delete(_ context.Context, ns, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[ns], key)
	return nil
}

// List implements [store.KV].
func (s *Store) List(_ context.Context, ns, prefix string) ([]store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []store.Entry
	for key, rec := range s.data[ns] {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		v := make([]byte, len(rec.value))
		copy(v, rec.value)
		entries = append(entries, store.Entry{Key: key, Value: v, UpdatedAt: rec.updatedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Close implements [store.KV]. A no-op for the in-memory store.
func (s *Store) Close() error { return nil }
