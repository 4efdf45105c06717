// Package redis provides a Redis-backed central store, for fleets that
// want shared values to survive orchestrator restarts or be visible to
// sibling deployments. All entries live in a single hash.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/counting-bot/Aura/store"
)

// Store is a store.Store over a Redis hash.
type Store struct {
	client goredis.UniversalClient
	key    string
}

// New creates a Redis store using hash key ("aura:centralstore" when
// empty).
func New(client goredis.UniversalClient, key string) *Store {
	if key == "" {
		key = "aura:centralstore"
	}
	return &Store{client: client, key: key}
}

func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, error) {
	val, err := s.client.HGet(ctx, s.key, key).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store/redis: get %q: %w", key, err)
	}
	return json.RawMessage(val), nil
}

func (s *Store) Set(ctx context.Context, key string, value json.RawMessage) error {
	if err := s.client.HSet(ctx, s.key, key, string(value)).Err(); err != nil {
		return fmt.Errorf("store/redis: set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.HExists(ctx, s.key, key).Result()
	if err != nil {
		return false, fmt.Errorf("store/redis: has %q: %w", key, err)
	}
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.HDel(ctx, s.key, key).Result()
	if err != nil {
		return false, fmt.Errorf("store/redis: delete %q: %w", key, err)
	}
	return n > 0, nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("store/redis: clear: %w", err)
	}
	return nil
}

func (s *Store) Snapshot(ctx context.Context) ([]store.Pair, error) {
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("store/redis: snapshot: %w", err)
	}

	pairs := make([]store.Pair, 0, len(all))
	for k, v := range all {
		pairs = append(pairs, store.Pair{Key: k, Value: json.RawMessage(v)})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return pairs, nil
}
