package event

import (
	"log/slog"

	"github.com/counting-bot/Aura/ipc"
)

// Named entry types pair a hook implementation with the listener name
// captured at registration time, avoiding type assertions back to
// Listener inside the emit methods.
type clusterReadyEntry struct {
	name string
	hook ClusterReady
}

type serviceReadyEntry struct {
	name string
	hook ServiceReady
}

type clusterShutdownEntry struct {
	name string
	hook ClusterShutdown
}

type serviceShutdownEntry struct {
	name string
	hook ServiceShutdown
}

type reshardingCompleteEntry struct {
	name string
	hook ReshardingComplete
}

type statsCollectedEntry struct {
	name string
	hook StatsCollected
}

type ipcEventEntry struct {
	name string
	hook IPCEvent
}

// Registry holds registered listeners and dispatches lifecycle events
// to them, in registration order, synchronously on the emitting
// goroutine.
type Registry struct {
	listeners []Listener
	logger    *slog.Logger

	clusterReady       []clusterReadyEntry
	serviceReady       []serviceReadyEntry
	clusterShutdown    []clusterShutdownEntry
	serviceShutdown    []serviceShutdownEntry
	reshardingComplete []reshardingCompleteEntry
	statsCollected     []statsCollectedEntry
	ipcEvent           []ipcEventEntry
}

// NewRegistry creates a listener registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds a listener and type-asserts it into all applicable hook
// caches.
func (r *Registry) Register(l Listener) {
	r.listeners = append(r.listeners, l)
	name := l.Name()

	if h, ok := l.(ClusterReady); ok {
		r.clusterReady = append(r.clusterReady, clusterReadyEntry{name, h})
	}
	if h, ok := l.(ServiceReady); ok {
		r.serviceReady = append(r.serviceReady, serviceReadyEntry{name, h})
	}
	if h, ok := l.(ClusterShutdown); ok {
		r.clusterShutdown = append(r.clusterShutdown, clusterShutdownEntry{name, h})
	}
	if h, ok := l.(ServiceShutdown); ok {
		r.serviceShutdown = append(r.serviceShutdown, serviceShutdownEntry{name, h})
	}
	if h, ok := l.(ReshardingComplete); ok {
		r.reshardingComplete = append(r.reshardingComplete, reshardingCompleteEntry{name, h})
	}
	if h, ok := l.(StatsCollected); ok {
		r.statsCollected = append(r.statsCollected, statsCollectedEntry{name, h})
	}
	if h, ok := l.(IPCEvent); ok {
		r.ipcEvent = append(r.ipcEvent, ipcEventEntry{name, h})
	}
}

// EmitClusterReady notifies ClusterReady listeners.
func (r *Registry) EmitClusterReady(e ClusterEvent) {
	for _, entry := range r.clusterReady {
		entry.hook.OnClusterReady(e)
	}
}

// EmitServiceReady notifies ServiceReady listeners.
func (r *Registry) EmitServiceReady(e ServiceEvent) {
	for _, entry := range r.serviceReady {
		entry.hook.OnServiceReady(e)
	}
}

// EmitClusterShutdown notifies ClusterShutdown listeners.
func (r *Registry) EmitClusterShutdown(e ClusterEvent) {
	for _, entry := range r.clusterShutdown {
		entry.hook.OnClusterShutdown(e)
	}
}

// EmitServiceShutdown notifies ServiceShutdown listeners.
func (r *Registry) EmitServiceShutdown(e ServiceEvent) {
	for _, entry := range r.serviceShutdown {
		entry.hook.OnServiceShutdown(e)
	}
}

// EmitReshardingComplete notifies ReshardingComplete listeners.
func (r *Registry) EmitReshardingComplete() {
	for _, entry := range r.reshardingComplete {
		entry.hook.OnReshardingComplete()
	}
}

// EmitStatsCollected notifies StatsCollected listeners.
func (r *Registry) EmitStatsCollected(snapshot ipc.StatsSnapshot) {
	for _, entry := range r.statsCollected {
		entry.hook.OnStatsCollected(snapshot)
	}
}

// EmitIPCEvent notifies IPCEvent listeners.
func (r *Registry) EmitIPCEvent(e ipc.EventData) {
	for _, entry := range r.ipcEvent {
		entry.hook.OnIPCEvent(e)
	}
}
