// Package store defines the central key/value store every worker can
// reach over IPC. One Store instance is held by the orchestrator; the
// default memory backend keeps the semantics of a single
// orchestrator-held map, while the redis backend lets a fleet share
// values across orchestrator restarts.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("store: key not found")

// Pair is one key/value entry of a snapshot.
type Pair struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Store is the central store contract.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (json.RawMessage, error)

	// Set stores value under key, replacing any existing value.
	Set(ctx context.Context, key string, value json.RawMessage) error

	// Has reports whether key exists.
	Has(ctx context.Context, key string) (bool, error)

	// Delete removes key, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Clear removes every key.
	Clear(ctx context.Context) error

	// Snapshot returns a copy of all entries.
	Snapshot(ctx context.Context) ([]Pair, error)
}
