// Package event delivers orchestrator lifecycle notifications to
// registered listeners. Listeners implement only the hooks they care
// about; the registry type-caches them at registration time so emits
// iterate over exactly the listeners that subscribe to each hook.
package event

import (
	"time"

	"github.com/counting-bot/Aura/id"
	"github.com/counting-bot/Aura/ipc"
)

// ClusterEvent describes a cluster lifecycle transition.
type ClusterEvent struct {
	ClusterID  int
	WorkerID   id.WorkerID
	FirstShard int
	LastShard  int
	At         time.Time
}

// ServiceEvent describes a service lifecycle transition.
type ServiceEvent struct {
	Name     string
	WorkerID id.WorkerID
	At       time.Time
}

// Listener is the base contract every lifecycle listener implements.
type Listener interface {
	// Name identifies the listener in logs.
	Name() string
}

// ClusterReady is notified when a cluster finishes loading its module.
type ClusterReady interface {
	OnClusterReady(e ClusterEvent)
}

// ServiceReady is notified when a service finishes loading its module.
type ServiceReady interface {
	OnServiceReady(e ServiceEvent)
}

// ClusterShutdown is notified after a cluster has safely stopped.
type ClusterShutdown interface {
	OnClusterShutdown(e ClusterEvent)
}

// ServiceShutdown is notified after a service has safely stopped.
type ServiceShutdown interface {
	OnServiceShutdown(e ServiceEvent)
}

// ReshardingComplete is notified exactly once per finished reshard.
type ReshardingComplete interface {
	OnReshardingComplete()
}

// StatsCollected is notified with each finished stats snapshot.
type StatsCollected interface {
	OnStatsCollected(snapshot ipc.StatsSnapshot)
}

// IPCEvent is notified for application events fanned out by workers.
type IPCEvent interface {
	OnIPCEvent(e ipc.EventData)
}
