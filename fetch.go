package aura

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/counting-bot/Aura/id"
	"github.com/counting-bot/Aura/ipc"
)

// fetchEntry tracks one first-response-wins lookup: how many clusters
// were queried, how many have reported "no value", and where the result
// goes. Resolving the entry deletes it, so a late answer is a silent
// no-op.
type fetchEntry struct {
	key      string
	expected int
	misses   int
	timer    *time.Timer
	deliver  func(ipc.FetchData)
}

// handleFetch serves both sides of the fetch protocol: a frame without
// a correlation key is a fresh lookup from a worker, a frame with one
// is a cluster's answer.
func (o *Orchestrator) handleFetch(conn *workerConn, frame *ipc.Frame) {
	var data ipc.FetchData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		o.logger.Warn("malformed fetch frame",
			slog.String("worker_id", conn.workerID.String()))
		return
	}
	if data.Key == "" {
		deliver := func(result ipc.FetchData) {
			if err := conn.channel.Reply(frame, result); err != nil {
				o.logger.Warn("fetch reply failed", slog.String("error", err.Error()))
			}
		}
		o.beginFetch(frame.ID, data, deliver)
		return
	}
	o.answerFetch(data)
}

// Fetch resolves a value across the fleet on the orchestrator's own
// behalf. The first cluster holding the value wins; exhaustion, the
// fetch timeout, or the context resolves "no value".
func (o *Orchestrator) Fetch(ctx context.Context, kind string, query json.RawMessage) (ipc.FetchData, error) {
	key := id.NewFrameID().String()
	results := make(chan ipc.FetchData, 1)

	o.beginFetch(key, ipc.FetchData{Kind: kind, Query: query}, func(result ipc.FetchData) {
		select {
		case results <- result:
		default:
		}
	})

	select {
	case result := <-results:
		return result, nil
	case <-ctx.Done():
		o.mu.Lock()
		if entry, ok := o.fetches[key]; ok {
			delete(o.fetches, key)
			entry.timer.Stop()
		}
		o.mu.Unlock()
		return ipc.FetchData{}, ctx.Err()
	}
}

// beginFetch broadcasts a lookup to every connected cluster. The first
// value wins; exhaustion or the fetch timeout resolves "no value".
func (o *Orchestrator) beginFetch(key string, data ipc.FetchData, deliver func(ipc.FetchData)) {
	clusters := make([]*workerConn, 0)
	for _, target := range o.connectedWorkers() {
		if target.kind == ipc.KindCluster {
			clusters = append(clusters, target)
		}
	}

	if len(clusters) == 0 {
		deliver(ipc.FetchData{Found: false})
		return
	}

	entry := &fetchEntry{
		key:      key,
		expected: len(clusters),
		deliver:  deliver,
	}
	entry.timer = time.AfterFunc(o.cfg.FetchTimeout, func() {
		o.expireFetch(key)
	})

	o.mu.Lock()
	o.fetches[key] = entry
	o.mu.Unlock()

	lookup := ipc.FetchData{Kind: data.Kind, Query: data.Query, Key: key}
	for _, cluster := range clusters {
		if err := cluster.channel.Notify(ipc.OpFetchLookup, lookup); err != nil {
			o.logger.Warn("fetch lookup dispatch failed",
				slog.String("worker", o.workerLabel(cluster)),
				slog.String("error", err.Error()))
		}
	}
}

// answerFetch folds one cluster's answer in. A found value resolves the
// caller immediately and discards the remaining bookkeeping; once every
// queried cluster has missed, the caller gets "no value".
func (o *Orchestrator) answerFetch(data ipc.FetchData) {
	o.mu.Lock()
	entry, ok := o.fetches[data.Key]
	if !ok {
		// Already resolved or timed out; bookkeeping is gone.
		o.mu.Unlock()
		return
	}

	if data.Found {
		delete(o.fetches, data.Key)
		o.mu.Unlock()
		entry.timer.Stop()
		entry.deliver(ipc.FetchData{
			Kind:  data.Kind,
			Found: true,
			Value: data.Value,
		})
		return
	}

	entry.misses++
	exhausted := entry.misses >= entry.expected
	if exhausted {
		delete(o.fetches, data.Key)
	}
	o.mu.Unlock()

	if exhausted {
		entry.timer.Stop()
		entry.deliver(ipc.FetchData{Found: false})
	}
}

// expireFetch resolves a lookup whose clusters never all answered.
func (o *Orchestrator) expireFetch(key string) {
	o.mu.Lock()
	entry, ok := o.fetches[key]
	if ok {
		delete(o.fetches, key)
	}
	o.mu.Unlock()

	if !ok {
		return
	}
	o.logger.Debug("fetch timed out",
		slog.String("key", key),
		slog.Int("misses", entry.misses),
		slog.Int("expected", entry.expected))
	entry.deliver(ipc.FetchData{Found: false})
}
