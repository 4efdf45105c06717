package aura

import (
	"context"
	"log/slog"

	"github.com/counting-bot/Aura/event"
	"github.com/counting-bot/Aura/id"
	"github.com/counting-bot/Aura/ipc"
)

// shutdownTag is the queue override held during fleet shutdown so no
// launch can interleave with worker retirement.
const shutdownTag = "shutdown"

// softKillEntry tracks one in-flight graceful shutdown. The captured
// identity attributes log lines and shutdown events even after the
// worker has already been removed from the registries. acked records
// whether the worker acknowledged the shutdown request, so an exit
// that claims the entry reports the right cooperativeness.
type softKillEntry struct {
	workerID id.WorkerID
	cluster  *ClusterRecord
	service  *ServiceRecord
	acked    bool
	done     func(cooperative bool)
}

// softKill asks a worker to stop and races its acknowledgment against
// the kill timer. Whichever of {cooperative ack, process exit, timer}
// fires first completes the entry; completion happens exactly once.
func (o *Orchestrator) softKill(conn *workerConn, done func(cooperative bool)) {
	entry := &softKillEntry{workerID: conn.workerID, done: done}
	if rec, ok := o.registry.ClusterByWorker(conn.workerID); ok {
		entry.cluster = rec
	} else if rec, ok := o.registry.ServiceByWorker(conn.workerID); ok {
		entry.service = rec
	}
	o.beginSoftKill(conn, entry)
}

func (o *Orchestrator) beginSoftKill(conn *workerConn, entry *softKillEntry) {
	o.mu.Lock()
	if existing, inFlight := o.softKills[conn.workerID]; inFlight {
		// Already dying: chain the new continuation onto the entry in
		// flight so no caller waits on a completion that never comes.
		prev, next := existing.done, entry.done
		existing.done = func(cooperative bool) {
			if prev != nil {
				prev(cooperative)
			}
			if next != nil {
				next(cooperative)
			}
		}
		o.mu.Unlock()
		return
	}
	o.softKills[conn.workerID] = entry
	conn.planned = true
	o.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(o.runContext(), o.cfg.KillTimeout)
		defer cancel()

		if _, err := conn.channel.Request(ctx, ipc.OpShutdown, nil); err != nil {
			o.logger.Warn("soft kill escalated to forced termination",
				slog.String("worker", o.softKillLabel(entry)),
				slog.String("error", err.Error()))
			_ = conn.process.Kill()
			o.completeSoftKill(conn.workerID, false)
			return
		}
		// Cooperative ack: the worker exits on its own, no forced kill.
		o.mu.Lock()
		if e, ok := o.softKills[conn.workerID]; ok {
			e.acked = true
		}
		o.mu.Unlock()
		o.completeSoftKill(conn.workerID, true)
	}()
}

// completeSoftKillFromExit claims a pending soft kill on process death.
// Cooperativeness is whatever the entry recorded: true only when the
// worker acknowledged the shutdown request before dying.
func (o *Orchestrator) completeSoftKillFromExit(workerID id.WorkerID) bool {
	o.mu.Lock()
	entry, ok := o.softKills[workerID]
	acked := ok && entry.acked
	o.mu.Unlock()
	if !ok {
		return false
	}
	return o.completeSoftKill(workerID, acked)
}

// completeSoftKill resolves a pending soft kill exactly once: the
// registry entry goes away, the shutdown event fires, and the
// continuation runs. It reports whether an entry existed.
func (o *Orchestrator) completeSoftKill(workerID id.WorkerID, cooperative bool) bool {
	o.mu.Lock()
	entry, ok := o.softKills[workerID]
	if ok {
		delete(o.softKills, workerID)
	}
	stopping := o.stopping
	stopDone := o.stopDone
	o.mu.Unlock()

	if !ok {
		return false
	}

	o.registry.Remove(workerID)

	switch {
	case entry.cluster != nil:
		o.events.EmitClusterShutdown(event.ClusterEvent{
			ClusterID:  entry.cluster.ClusterID,
			WorkerID:   entry.cluster.WorkerID,
			FirstShard: entry.cluster.FirstShard,
			LastShard:  entry.cluster.LastShard,
			At:         nowUTC(),
		})
		o.broadcastLifecycle("cluster.shutdown", map[string]any{
			"cluster_id": entry.cluster.ClusterID,
		})
	case entry.service != nil:
		o.events.EmitServiceShutdown(event.ServiceEvent{
			Name:     entry.service.Name,
			WorkerID: entry.service.WorkerID,
			At:       nowUTC(),
		})
		o.broadcastLifecycle("service.shutdown", map[string]any{
			"name": entry.service.Name,
		})
	}

	o.logger.Info("worker stopped",
		slog.String("worker", o.softKillLabel(entry)),
		slog.Bool("cooperative", cooperative))

	if entry.done != nil {
		entry.done(cooperative)
	}
	if stopping && stopDone != nil {
		stopDone <- workerID
	}
	return true
}

func (o *Orchestrator) softKillLabel(entry *softKillEntry) string {
	switch {
	case entry.cluster != nil:
		return clusterKey(entry.cluster.ClusterID)
	case entry.service != nil:
		return serviceKey(entry.service.Name)
	default:
		return entry.workerID.String()
	}
}

// Stop retires the whole fleet. The queue override blocks any launch
// from interleaving; workers are soft-killed one at a time when
// SyncedShutdown is set, all at once otherwise. Stop returns when every
// worker has finished dying or ctx expires, in which case survivors are
// force-killed.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return ErrNotStarted
	}
	if o.stopping {
		o.mu.Unlock()
		return ErrShutdownInProgress
	}
	o.stopping = true

	conns := make([]*workerConn, 0, len(o.conns))
	for _, conn := range o.conns {
		conns = append(conns, conn)
	}
	o.stopDone = make(chan id.WorkerID, len(conns))
	o.mu.Unlock()

	o.queue.SetOverride(shutdownTag)
	o.logger.Info("fleet shutdown started",
		slog.Int("workers", len(conns)),
		slog.Bool("synced", o.cfg.SyncedShutdown))

	if o.cfg.SyncedShutdown {
		go func() {
			for _, conn := range conns {
				stopped := make(chan struct{})
				o.softKill(conn, func(bool) { close(stopped) })
				select {
				case <-stopped:
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		for _, conn := range conns {
			o.softKill(conn, nil)
		}
	}

	remaining := len(conns)
	for remaining > 0 {
		select {
		case <-o.stopDone:
			remaining--
		case <-ctx.Done():
			o.forceKillRemaining()
			o.finishStop()
			return ctx.Err()
		}
	}

	o.finishStop()
	o.logger.Info("fleet shutdown complete")
	return nil
}

func (o *Orchestrator) forceKillRemaining() {
	o.mu.Lock()
	conns := make([]*workerConn, 0, len(o.conns))
	for _, conn := range o.conns {
		conns = append(conns, conn)
	}
	o.mu.Unlock()
	for _, conn := range conns {
		_ = conn.process.Kill()
	}
}

func (o *Orchestrator) finishStop() {
	o.mu.Lock()
	o.started = false
	o.stopping = false
	o.stopDone = nil
	cancel := o.cancel
	o.mu.Unlock()

	o.queue.ClearOverride(shutdownTag)
	if cancel != nil {
		cancel()
	}
}

// runContext returns the orchestrator's lifetime context, which cancels
// on Stop.
func (o *Orchestrator) runContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runCtx == nil {
		return context.Background()
	}
	return o.runCtx
}
