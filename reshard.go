package aura

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/counting-bot/Aura/id"
)

// reshardState tracks one in-flight reshard: the snapshot of the old
// fleet, the new workers keyed by cluster ID, and how many of them
// still have to confirm connected before retirement may begin.
type reshardState struct {
	old            []ClusterRecord
	newWorkers     map[int]id.WorkerID
	pendingConnect int
}

// Reshard launches an entirely new cluster fleet under fresh gateway
// sizing while the old fleet keeps serving. Once every new worker has
// connected, the old workers are retired one at a time; each retirement
// releases the matching new worker's code load. Exactly one reshard may
// run at a time.
func (o *Orchestrator) Reshard(ctx context.Context) error {
	o.mu.Lock()
	if o.reshard != nil {
		o.mu.Unlock()
		return ErrReshardInProgress
	}
	if o.stopping {
		o.mu.Unlock()
		return ErrShutdownInProgress
	}
	if !o.started {
		o.mu.Unlock()
		return ErrNotStarted
	}
	o.statsPause = true
	o.mu.Unlock()

	fail := func(err error) error {
		o.mu.Lock()
		o.statsPause = false
		o.mu.Unlock()
		return err
	}

	info, err := o.gateway.GatewayInfo(ctx)
	if err != nil {
		return fail(fmt.Errorf("aura: reshard gateway info: %w", err))
	}

	old := make([]ClusterRecord, 0)
	for _, rec := range o.registry.Clusters() {
		old = append(old, *rec)
	}

	o.applySizing(info)

	items, err := o.spawnFleet(ctx, true)
	if err != nil {
		return fail(err)
	}

	rs := &reshardState{
		old:            old,
		newWorkers:     make(map[int]id.WorkerID, len(items)),
		pendingConnect: len(items),
	}
	for clusterID, item := range items {
		rs.newWorkers[clusterID] = item.WorkerID
	}

	o.mu.Lock()
	o.reshard = rs
	shardCount := o.shardCount
	o.mu.Unlock()

	o.logger.Info("resharding started",
		slog.Int("old_clusters", len(old)),
		slog.Int("new_clusters", len(items)),
		slog.Int("shards", shardCount))

	o.queue.EnqueueMany(items, "")
	return nil
}

// noteReshardConnect counts a deferred-load worker's connect. When the
// whole new fleet is connected, retirement of the old fleet begins.
func (o *Orchestrator) noteReshardConnect() {
	o.mu.Lock()
	rs := o.reshard
	if rs == nil {
		o.mu.Unlock()
		return
	}
	rs.pendingConnect--
	ready := rs.pendingConnect == 0
	o.mu.Unlock()

	if ready {
		go o.retireOldFleet(rs)
	}
}

// reshardPending reports whether a dead worker was an in-flight
// reshard's new-fleet member that had not yet connected. Workers that
// connected before dying already counted toward retirement readiness,
// so their replacements load normally.
func (o *Orchestrator) reshardPending(clusterID int, prev *workerConn) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev.connected {
		return false
	}
	rs := o.reshard
	return rs != nil && rs.newWorkers[clusterID] == prev.workerID
}

// noteReshardDropped releases a new-fleet worker that will never
// connect: its identity was dropped or its respawn failed. The pending
// count shrinks so retirement of the old fleet is not blocked forever
// behind a connect that cannot happen.
func (o *Orchestrator) noteReshardDropped(conn *workerConn) {
	o.mu.Lock()
	rs := o.reshard
	if rs == nil || conn.connected {
		o.mu.Unlock()
		return
	}
	found := false
	for clusterID, workerID := range rs.newWorkers {
		if workerID == conn.workerID {
			delete(rs.newWorkers, clusterID)
			found = true
			break
		}
	}
	if !found {
		o.mu.Unlock()
		return
	}
	rs.pendingConnect--
	ready := rs.pendingConnect == 0
	o.mu.Unlock()

	if ready {
		go o.retireOldFleet(rs)
	}
}

// retireOldFleet soft-kills the old workers one at a time; each death
// releases the matching new worker's code load. New clusters with no
// old counterpart load at the end. The resharding-complete event fires
// exactly once, after every transition has finished.
func (o *Orchestrator) retireOldFleet(rs *reshardState) {
	for _, oldRec := range rs.old {
		if conn := o.connByWorker(oldRec.WorkerID); conn != nil {
			stopped := make(chan struct{})
			entry := &softKillEntry{
				workerID: oldRec.WorkerID,
				cluster:  &oldRec,
				done:     func(bool) { close(stopped) },
			}
			o.beginSoftKill(conn, entry)
			<-stopped
		}

		if newID, ok := rs.newWorkers[oldRec.ClusterID]; ok {
			delete(rs.newWorkers, oldRec.ClusterID)
			if newConn := o.connByWorker(newID); newConn != nil {
				o.sendLoadCode(newConn)
			}
		}
	}

	// Fleet grew: the extra clusters have no predecessor to wait for.
	extra := make([]int, 0, len(rs.newWorkers))
	for clusterID := range rs.newWorkers {
		extra = append(extra, clusterID)
	}
	sort.Ints(extra)
	for _, clusterID := range extra {
		if newConn := o.connByWorker(rs.newWorkers[clusterID]); newConn != nil {
			o.sendLoadCode(newConn)
		}
	}

	o.mu.Lock()
	o.reshard = nil
	o.statsPause = false
	o.mu.Unlock()

	o.events.EmitReshardingComplete()
	o.broadcastLifecycle("resharding.complete", map[string]any{})
	o.logger.Info("resharding complete")
}
