package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/counting-bot/Aura/gateway"
	"github.com/counting-bot/Aura/ipc"
	"github.com/counting-bot/Aura/store"
)

// Env is the capability handle passed to a module at startup. It
// carries the worker's identity and the IPC-backed services every
// worker shares: the forwarded logger, the central store, the central
// request proxy, targeted fetch, and event fan-out.
type Env struct {
	// Kind reports whether this worker is a cluster or a service.
	Kind ipc.WorkerKind

	// WorkerID is this process's registry handle.
	WorkerID string

	// Cluster identity; zero values for services.
	ClusterID  int
	FirstShard int
	LastShard  int
	ShardCount int

	// ServiceName is set for services only.
	ServiceName string

	// Token is the shared gateway credential.
	Token string

	// Logger forwards records to the orchestrator, attributed to this
	// worker's identity.
	Logger *slog.Logger

	channel *ipc.Channel
}

// Request performs a rate-limited outbound call through the
// orchestrator's central request proxy, sharing the fleet-wide budget.
func (e *Env) Request(ctx context.Context, req gateway.Request) (json.RawMessage, error) {
	reply, err := e.channel.Request(ctx, ipc.OpCentralRequest, ipc.CentralRequestData{
		Method:   req.Method,
		URL:      req.URL,
		Auth:     req.Auth,
		Body:     req.Body,
		FileName: req.FileName,
		File:     req.File,
		Route:    req.Route,
		Priority: req.Priority,
	})
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// Fetch queries every live cluster for a value of the given kind. The
// first cluster holding it wins; nil is returned when none does.
func (e *Env) Fetch(ctx context.Context, kind string, query json.RawMessage) (json.RawMessage, error) {
	reply, err := e.channel.Request(ctx, ipc.OpFetch, ipc.FetchData{Kind: kind, Query: query})
	if err != nil {
		return nil, err
	}

	var result ipc.FetchData
	if err := json.Unmarshal(reply.Data, &result); err != nil {
		return nil, fmt.Errorf("harness: decode fetch reply: %w", err)
	}
	if !result.Found {
		return nil, nil
	}
	return result.Value, nil
}

// Broadcast fans an application event out to every worker in the fleet.
func (e *Env) Broadcast(name string, payload json.RawMessage) error {
	return e.channel.Notify(ipc.OpIPCEvent, ipc.EventData{Name: name, Payload: payload})
}

// Store returns the central store client.
func (e *Env) Store() store.Store {
	return &storeClient{channel: e.channel}
}

// storeClient is the worker-side RPC stub for the orchestrator-held
// central store.
type storeClient struct {
	channel *ipc.Channel
}

func (c *storeClient) Get(ctx context.Context, key string) (json.RawMessage, error) {
	reply, err := c.channel.Request(ctx, ipc.OpStoreGet, ipc.StoreRequest{Key: key})
	if err != nil {
		return nil, err
	}
	if len(reply.Data) == 0 || string(reply.Data) == "null" {
		return nil, store.ErrNotFound
	}
	return reply.Data, nil
}

func (c *storeClient) Set(ctx context.Context, key string, value json.RawMessage) error {
	_, err := c.channel.Request(ctx, ipc.OpStoreSet, ipc.StoreRequest{Key: key, Value: value})
	return err
}

func (c *storeClient) Has(ctx context.Context, key string) (bool, error) {
	reply, err := c.channel.Request(ctx, ipc.OpStoreHas, ipc.StoreRequest{Key: key})
	if err != nil {
		return false, err
	}
	var ok bool
	if err := json.Unmarshal(reply.Data, &ok); err != nil {
		return false, fmt.Errorf("harness: decode has reply: %w", err)
	}
	return ok, nil
}

func (c *storeClient) Delete(ctx context.Context, key string) (bool, error) {
	reply, err := c.channel.Request(ctx, ipc.OpStoreDelete, ipc.StoreRequest{Key: key})
	if err != nil {
		return false, err
	}
	var ok bool
	if err := json.Unmarshal(reply.Data, &ok); err != nil {
		return false, fmt.Errorf("harness: decode delete reply: %w", err)
	}
	return ok, nil
}

func (c *storeClient) Clear(ctx context.Context) error {
	_, err := c.channel.Request(ctx, ipc.OpStoreClear, ipc.StoreRequest{})
	return err
}

func (c *storeClient) Snapshot(ctx context.Context) ([]store.Pair, error) {
	reply, err := c.channel.Request(ctx, ipc.OpStoreCopy, ipc.StoreRequest{})
	if err != nil {
		return nil, err
	}
	var pairs []store.Pair
	if err := json.Unmarshal(reply.Data, &pairs); err != nil {
		return nil, fmt.Errorf("harness: decode snapshot reply: %w", err)
	}
	return pairs, nil
}
