// Package memory provides the default in-process central store: one
// map, mutated only through the orchestrator's IPC handlers.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/counting-bot/Aura/store"
)

// Store is an in-memory store.Store. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

// New creates an empty memory store.
func New() *Store {
	return &Store{data: make(map[string]json.RawMessage)}
}

func (s *Store) Get(_ context.Context, key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return val, nil
}

func (s *Store) Set(_ context.Context, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make(json.RawMessage, len(value))
	copy(buf, value)
	s.data[key] = buf
	return nil
}

func (s *Store) Has(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	delete(s.data, key)
	return ok, nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]json.RawMessage)
	return nil
}

func (s *Store) Snapshot(_ context.Context) ([]store.Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pairs := make([]store.Pair, 0, len(s.data))
	for k, v := range s.data {
		buf := make(json.RawMessage, len(v))
		copy(buf, v)
		pairs = append(pairs, store.Pair{Key: k, Value: buf})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return pairs, nil
}
