package sourcetable

import (
	"sort"
	"sync"
)

// Store keeps the tables published by the sources of one connector on one host.
// Keys are source keys and are unique within a store.
type Store struct {
	mu     sync.RWMutex
	tables map[string]SourceTable
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{tables: make(map[string]SourceTable)}
}

// Get returns the table published under key. Callers that need to modify the
// rows must work on Copy().
func (s *Store) Get(key string) (SourceTable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[key]
	return t, ok
}

// Put publishes a table, replacing the previous one for the same key.
func (s *Store) Put(key string, t SourceTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[key] = t
}

// Delete removes the table published under key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, key)
}

// Keys returns the published keys in lexical order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.tables))
	for k := range s.tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of published tables.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables)
}
