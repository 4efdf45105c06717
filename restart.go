package aura

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/counting-bot/Aura/queue"
)

func clusterKey(clusterID int) string { return fmt.Sprintf("cluster %d", clusterID) }
func serviceKey(name string) string   { return fmt.Sprintf("service %s", name) }

// handleExit runs when a worker process dies, whatever the cause.
// A pending soft kill claims the death; a planned exit only cleans up;
// anything else is an unplanned exit and goes through the restart
// policy.
func (o *Orchestrator) handleExit(conn *workerConn, exitErr error) {
	o.mu.Lock()
	delete(o.conns, conn.workerID)
	stopping := o.stopping
	planned := conn.planned
	o.mu.Unlock()

	_ = conn.channel.Close()

	if o.completeSoftKillFromExit(conn.workerID) {
		return
	}
	if planned || stopping {
		o.registry.Remove(conn.workerID)
		return
	}
	o.recoverWorker(conn, exitErr)
}

// recoverWorker applies the restart policy to an unplanned exit: the
// identity's sequential-failure counter increments, and a replacement
// is spawned after backoff unless the counter has passed the limit, in
// which case the identity is dropped and the queue unstalled.
func (o *Orchestrator) recoverWorker(conn *workerConn, exitErr error) {
	key, respawn := o.identityOf(conn)
	o.registry.Remove(conn.workerID)

	// The dead worker's launch item would stall the queue: as a
	// dispatched follower it eventually becomes a head nobody answers
	// for, and as the head it blocks every group behind it.
	o.queue.Remove(conn.workerID)

	if key == "" {
		o.logger.Error("exit report from untracked worker",
			slog.String("worker_id", conn.workerID.String()))
		return
	}

	o.mu.Lock()
	o.failures[key]++
	attempt := o.failures[key]
	o.mu.Unlock()

	exitMsg := "clean exit"
	if exitErr != nil {
		exitMsg = exitErr.Error()
	}

	if o.cfg.MaxRestarts > 0 && attempt > o.cfg.MaxRestarts {
		o.logger.Warn("restart limit reached, dropping identity",
			slog.String("worker", key),
			slog.Int("failures", attempt),
			slog.String("exit", exitMsg))
		o.noteReshardDropped(conn)
		return
	}

	delay := o.restartBackoff.Delay(attempt)
	o.logger.Warn("worker exited unexpectedly, restarting",
		slog.String("worker", key),
		slog.Int("attempt", attempt),
		slog.Duration("backoff", delay),
		slog.String("exit", exitMsg))

	time.AfterFunc(delay, func() {
		select {
		case <-o.runContext().Done():
			return
		default:
		}
		item, err := respawn(o.runContext())
		if err != nil {
			o.logger.Error("respawn failed",
				slog.String("worker", key),
				slog.String("error", err.Error()))
			o.noteReshardDropped(conn)
			return
		}
		o.queue.Enqueue(item, "")
	})
}

// identityOf resolves the stable identity behind a worker process and a
// closure respawning that identity. An empty key means the worker was
// never tracked.
func (o *Orchestrator) identityOf(conn *workerConn) (string, func(context.Context) (*queue.Item, error)) {
	if rec, ok := o.registry.ClusterByWorker(conn.workerID); ok {
		return clusterKey(rec.ClusterID), o.clusterRespawn(*rec, conn)
	}
	if rec, ok := o.registry.ServiceByWorker(conn.workerID); ok {
		return serviceKey(rec.Name), o.serviceRespawn(*rec)
	}
	if entry, ok := o.registry.Launching(conn.workerID); ok {
		switch {
		case entry.Cluster != nil:
			return clusterKey(entry.Cluster.ClusterID), o.clusterRespawn(*entry.Cluster, conn)
		case entry.Service != nil:
			return serviceKey(entry.Service.Name), o.serviceRespawn(*entry.Service)
		}
	}
	return "", nil
}

// clusterRespawn replaces a dead cluster process. When the dead worker
// was an in-flight reshard's new-fleet member that never connected, the
// replacement inherits its deferred code load and its slot in the
// reshard bookkeeping, so retirement still waits for it.
func (o *Orchestrator) clusterRespawn(rec ClusterRecord, prev *workerConn) func(context.Context) (*queue.Item, error) {
	return func(ctx context.Context) (*queue.Item, error) {
		deferLoad := o.reshardPending(rec.ClusterID, prev)
		item, err := o.spawnCluster(ctx, rec.ClusterID, rec.FirstShard, rec.LastShard, deferLoad)
		if err != nil {
			return nil, err
		}
		if deferLoad {
			o.mu.Lock()
			if rs := o.reshard; rs != nil && rs.newWorkers[rec.ClusterID] == prev.workerID {
				rs.newWorkers[rec.ClusterID] = item.WorkerID
			}
			o.mu.Unlock()
		}
		return item, nil
	}
}

func (o *Orchestrator) serviceRespawn(rec ServiceRecord) func(context.Context) (*queue.Item, error) {
	return func(ctx context.Context) (*queue.Item, error) {
		return o.spawnService(ctx, ServiceConfig{Name: rec.Name, Path: rec.Path}, false)
	}
}

// RestartCluster replaces a cluster's process while keeping its cluster
// ID and shard range. A soft restart connects the replacement first,
// retires the old process, then loads the replacement's code; a hard
// restart kills the old process immediately.
func (o *Orchestrator) RestartCluster(ctx context.Context, clusterID int, soft bool) error {
	rec, ok := o.registry.ClusterByID(clusterID)
	if !ok {
		return fmt.Errorf("%w: cluster %d", ErrClusterNotFound, clusterID)
	}
	oldConn := o.connByWorker(rec.WorkerID)

	item, err := o.spawnCluster(ctx, rec.ClusterID, rec.FirstShard, rec.LastShard, soft)
	if err != nil {
		return err
	}
	o.finishRestart(item, oldConn, soft, clusterKey(clusterID))
	return nil
}

// RestartService replaces a service's process, keeping its name.
func (o *Orchestrator) RestartService(ctx context.Context, name string, soft bool) error {
	rec, ok := o.registry.ServiceByName(name)
	if !ok {
		return fmt.Errorf("%w: service %q", ErrServiceNotFound, name)
	}
	oldConn := o.connByWorker(rec.WorkerID)

	item, err := o.spawnService(ctx, ServiceConfig{Name: rec.Name, Path: rec.Path}, soft)
	if err != nil {
		return err
	}
	o.finishRestart(item, oldConn, soft, serviceKey(name))
	return nil
}

// RestartAll replaces every cluster and service process. Replacements
// queue behind one another like any other launch, so the fleet rolls
// rather than restarting at once.
func (o *Orchestrator) RestartAll(ctx context.Context, soft bool) error {
	for _, rec := range o.registry.Clusters() {
		if err := o.RestartCluster(ctx, rec.ClusterID, soft); err != nil {
			return err
		}
	}
	for _, rec := range o.registry.Services() {
		if err := o.RestartService(ctx, rec.Name, soft); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) finishRestart(item *queue.Item, oldConn *workerConn, soft bool, label string) {
	if soft && oldConn != nil {
		o.mu.Lock()
		o.swaps[item.WorkerID] = oldConn.workerID
		o.mu.Unlock()
	} else if oldConn != nil {
		o.mu.Lock()
		oldConn.planned = true
		o.mu.Unlock()
		_ = oldConn.process.Kill()
	}

	o.logger.Info("restarting worker",
		slog.String("worker", label),
		slog.Bool("soft", soft))
	o.queue.Enqueue(item, "")
}
