package aura

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/counting-bot/Aura/ipc"
)

func nowUTC() time.Time { return time.Now().UTC() }

// processRAM reports this process's heap usage in megabytes.
func processRAM() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapAlloc) / (1 << 20)
}

// statsCycle is one in-progress collection. It finalizes only once
// every targeted worker has settled (replied or timed out); a cycle in
// flight suppresses new triggers.
type statsCycle struct {
	expected int
	replies  int
	snapshot ipc.StatsSnapshot
}

// statsLoop drives periodic collection until the orchestrator stops.
func (o *Orchestrator) statsLoop() {
	ticker := time.NewTicker(o.cfg.StatsInterval)
	defer ticker.Stop()
	runCtx := o.runContext()
	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			o.CollectStats()
		}
	}
}

// CollectStats starts one stats collection cycle: a collectStats
// request fans out to every connected worker, and the cycle finalizes
// when all of them have settled. Triggers are suppressed while a cycle
// is in progress or collection is paused (during a reshard).
func (o *Orchestrator) CollectStats() {
	targets := o.connectedWorkers()

	o.mu.Lock()
	if o.stats != nil || o.statsPause || len(targets) == 0 {
		o.mu.Unlock()
		return
	}
	o.stats = &statsCycle{expected: len(targets)}
	o.mu.Unlock()

	for _, conn := range targets {
		go func(conn *workerConn) {
			ctx, cancel := context.WithTimeout(o.runContext(), ipc.DefaultRequestTimeout)
			defer cancel()

			reply, err := conn.channel.Request(ctx, ipc.OpCollectStats, nil)
			if err != nil {
				o.logger.Warn("stats collection failed",
					slog.String("worker", o.workerLabel(conn)),
					slog.String("error", err.Error()))
				o.recordStats(nil)
				return
			}

			var data ipc.StatsData
			if err := json.Unmarshal(reply.Data, &data); err != nil {
				o.logger.Warn("malformed stats reply",
					slog.String("worker", o.workerLabel(conn)))
				o.recordStats(nil)
				return
			}
			o.recordStats(&data)
		}(conn)
	}
}

// recordStats folds one settled worker into the in-progress cycle and
// finalizes the snapshot when the last one arrives: per-cluster entries
// sorted by cluster ID, the orchestrator's own memory appended, and the
// finished snapshot published.
func (o *Orchestrator) recordStats(data *ipc.StatsData) {
	o.mu.Lock()
	cycle := o.stats
	if cycle == nil {
		o.mu.Unlock()
		return
	}
	cycle.replies++

	if data != nil {
		switch {
		case data.Cluster != nil:
			c := *data.Cluster
			cycle.snapshot.Clusters = append(cycle.snapshot.Clusters, c)
			cycle.snapshot.Guilds += c.Guilds
			cycle.snapshot.Users += c.Users
			cycle.snapshot.Sessions += c.Sessions
			cycle.snapshot.RAM += c.RAM
		case data.Service != nil:
			s := *data.Service
			cycle.snapshot.Services = append(cycle.snapshot.Services, s)
			cycle.snapshot.RAM += s.RAM
		}
	}

	if cycle.replies < cycle.expected {
		o.mu.Unlock()
		return
	}

	o.stats = nil
	snap := cycle.snapshot
	sort.Slice(snap.Clusters, func(i, j int) bool {
		return snap.Clusters[i].ClusterID < snap.Clusters[j].ClusterID
	})
	sort.Slice(snap.Services, func(i, j int) bool {
		return snap.Services[i].Name < snap.Services[j].Name
	})
	snap.OrchestratorRAM = processRAM()
	snap.RAM += snap.OrchestratorRAM
	snap.CollectedAt = nowUTC()
	o.lastStats = &snap
	o.mu.Unlock()

	o.events.EmitStatsCollected(snap)
	o.logger.Debug("stats cycle finished",
		slog.Int("clusters", len(snap.Clusters)),
		slog.Int("services", len(snap.Services)),
		slog.Int("guilds", snap.Guilds))
}

// Stats returns the most recent finished snapshot, if any.
func (o *Orchestrator) Stats() (ipc.StatsSnapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastStats == nil {
		return ipc.StatsSnapshot{}, false
	}
	return *o.lastStats, true
}
