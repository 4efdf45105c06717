package aura

import (
	"fmt"
	"sort"
	"sync"

	"github.com/counting-bot/Aura/id"
)

// ClusterRecord is one live cluster worker. ClusterID is stable across
// restarts; WorkerID changes with every spawned process.
type ClusterRecord struct {
	ClusterID  int
	WorkerID   id.WorkerID
	FirstShard int
	LastShard  int
}

// ServiceRecord is one live service worker.
type ServiceRecord struct {
	Name     string
	WorkerID id.WorkerID
	Path     string
}

// LaunchingEntry holds a prospective record from spawn until the
// process confirms connected. Exactly one of Cluster/Service is set.
type LaunchingEntry struct {
	WorkerID id.WorkerID
	Cluster  *ClusterRecord
	Service  *ServiceRecord
}

// Registry tracks every worker the orchestrator owns. A worker ID
// appears in at most one of {cluster, service, launching} at a time;
// every mutation goes through an accessor that enforces it.
type Registry struct {
	mu        sync.Mutex
	clusters  map[int]*ClusterRecord
	services  map[string]*ServiceRecord
	launching map[id.WorkerID]*LaunchingEntry
	owner     map[id.WorkerID]string
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{
		clusters:  make(map[int]*ClusterRecord),
		services:  make(map[string]*ServiceRecord),
		launching: make(map[id.WorkerID]*LaunchingEntry),
		owner:     make(map[id.WorkerID]string),
	}
}

// AddLaunching tracks a freshly spawned, not-yet-connected worker.
func (r *Registry) AddLaunching(entry *LaunchingEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if claim, tracked := r.owner[entry.WorkerID]; tracked {
		return fmt.Errorf("%w: %s already %s", ErrWorkerTracked, entry.WorkerID, claim)
	}
	r.launching[entry.WorkerID] = entry
	r.owner[entry.WorkerID] = "launching"
	return nil
}

// PromoteCluster moves a launching worker into the cluster registry,
// replacing any record holding the same cluster ID.
func (r *Registry) PromoteCluster(workerID id.WorkerID) (*ClusterRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.launching[workerID]
	if !ok || entry.Cluster == nil {
		return nil, fmt.Errorf("%w: %s not launching as cluster", ErrWorkerNotFound, workerID)
	}
	delete(r.launching, workerID)

	rec := entry.Cluster
	if old, exists := r.clusters[rec.ClusterID]; exists {
		delete(r.owner, old.WorkerID)
	}
	r.clusters[rec.ClusterID] = rec
	r.owner[workerID] = "cluster"
	return rec, nil
}

// PromoteService moves a launching worker into the service registry.
func (r *Registry) PromoteService(workerID id.WorkerID) (*ServiceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.launching[workerID]
	if !ok || entry.Service == nil {
		return nil, fmt.Errorf("%w: %s not launching as service", ErrWorkerNotFound, workerID)
	}
	delete(r.launching, workerID)

	rec := entry.Service
	if old, exists := r.services[rec.Name]; exists {
		delete(r.owner, old.WorkerID)
	}
	r.services[rec.Name] = rec
	r.owner[workerID] = "service"
	return rec, nil
}

// Remove drops whatever identity the worker holds. It reports whether
// the worker was tracked.
func (r *Registry) Remove(workerID id.WorkerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind, tracked := r.owner[workerID]
	if !tracked {
		return false
	}
	delete(r.owner, workerID)

	switch kind {
	case "launching":
		delete(r.launching, workerID)
	case "cluster":
		for cid, rec := range r.clusters {
			if rec.WorkerID == workerID {
				delete(r.clusters, cid)
				break
			}
		}
	case "service":
		for name, rec := range r.services {
			if rec.WorkerID == workerID {
				delete(r.services, name)
				break
			}
		}
	}
	return true
}

// ClusterByWorker finds the live cluster owned by a worker.
func (r *Registry) ClusterByWorker(workerID id.WorkerID) (*ClusterRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.clusters {
		if rec.WorkerID == workerID {
			return rec, true
		}
	}
	return nil, false
}

// ServiceByWorker finds the live service owned by a worker.
func (r *Registry) ServiceByWorker(workerID id.WorkerID) (*ServiceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.services {
		if rec.WorkerID == workerID {
			return rec, true
		}
	}
	return nil, false
}

// Launching returns the launching entry for a worker, if any.
func (r *Registry) Launching(workerID id.WorkerID) (*LaunchingEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.launching[workerID]
	return entry, ok
}

// ClusterByID looks a live cluster up by its stable cluster ID.
func (r *Registry) ClusterByID(clusterID int) (*ClusterRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.clusters[clusterID]
	return rec, ok
}

// ServiceByName looks a live service up by name.
func (r *Registry) ServiceByName(name string) (*ServiceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.services[name]
	return rec, ok
}

// Clusters returns the live cluster records ordered by cluster ID.
func (r *Registry) Clusters() []*ClusterRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ClusterRecord, 0, len(r.clusters))
	for _, rec := range r.clusters {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClusterID < out[j].ClusterID })
	return out
}

// Services returns the live service records ordered by name.
func (r *Registry) Services() []*ServiceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ServiceRecord, 0, len(r.services))
	for _, rec := range r.services {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Counts reports the number of live clusters and services.
func (r *Registry) Counts() (clusters, services int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clusters), len(r.services)
}
