// Package queue provides the ordered dispatcher for worker lifecycle
// operations. Exactly one item is logically in flight at a time; the
// orchestrator's execute callback may additionally release adjacent
// items that belong to the same admission-concurrency group.
//
// The queue is a pure sequencer. It knows nothing about clusters or
// services; grouping policy lives entirely in the subscriber.
package queue

import (
	"sync"

	"github.com/counting-bot/Aura/id"
	"github.com/counting-bot/Aura/ipc"
)

// Kind classifies a queue item.
type Kind string

const (
	KindCluster  Kind = "cluster"
	KindService  Kind = "service"
	KindShutdown Kind = "shutdown"
)

// Item is one pending lifecycle operation. It is created by the
// orchestrator and consumed exactly once by the dispatch step.
type Item struct {
	WorkerID id.WorkerID
	Kind     Kind

	// GroupID is the admission-concurrency group for cluster items,
	// precomputed by the orchestrator (clusterID / maxConcurrency).
	GroupID int

	// Message is the lifecycle command dispatched for this item.
	Message *ipc.Frame
}

// ExecuteFunc receives the item now at the head of the queue together
// with the item that just finished (nil for the very first). The
// subscriber must call Advance exactly once per item to move on.
type ExecuteFunc func(current, previous *Item)

// Queue serializes lifecycle operations.
type Queue struct {
	mu       sync.Mutex
	items    []*Item
	override string
	execute  ExecuteFunc
}

// New creates a queue delivering execute signals to fn.
func New(fn ExecuteFunc) *Queue {
	return &Queue{execute: fn}
}

// Enqueue appends an item. If the queue was empty, execution of the
// item begins immediately. Calls whose tag does not match an active
// override are silently dropped.
func (q *Queue) Enqueue(item *Item, overrideTag string) {
	q.mu.Lock()
	if q.override != "" && q.override != overrideTag {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	kick := len(q.items) == 1
	q.mu.Unlock()

	if kick {
		q.execute(item, nil)
	}
}

// EnqueueMany appends all items, kicking execution of the first if the
// queue was empty.
func (q *Queue) EnqueueMany(items []*Item, overrideTag string) {
	if len(items) == 0 {
		return
	}

	q.mu.Lock()
	if q.override != "" && q.override != overrideTag {
		q.mu.Unlock()
		return
	}
	wasEmpty := len(q.items) == 0
	q.items = append(q.items, items...)
	q.mu.Unlock()

	if wasEmpty {
		q.execute(items[0], nil)
	}
}

// Advance moves the queue forward. Unless isFirst, the current head
// (the just-finished item) is removed. If a new head exists an execute
// signal fires carrying it and the finished item; otherwise the queue
// goes idle. Advance on an empty queue is a no-op.
func (q *Queue) Advance(isFirst bool, overrideTag string) {
	q.mu.Lock()
	if q.override != "" && q.override != overrideTag {
		q.mu.Unlock()
		return
	}

	var previous *Item
	if !isFirst && len(q.items) > 0 {
		previous = q.items[0]
		q.items = q.items[1:]
	}

	var current *Item
	if len(q.items) > 0 {
		current = q.items[0]
	}
	q.mu.Unlock()

	if current != nil {
		q.execute(current, previous)
	}
}

// Remove discards a worker's item wherever it sits. Removing the
// in-flight head behaves like an Advance: the next item, if any,
// receives an execute signal carrying the removed item as previous.
// It reports whether an item was found.
func (q *Queue) Remove(workerID id.WorkerID) bool {
	q.mu.Lock()
	idx := -1
	for i, item := range q.items {
		if item.WorkerID == workerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	removed := q.items[idx]
	q.items = append(q.items[:idx], q.items[idx+1:]...)

	var current *Item
	if idx == 0 && len(q.items) > 0 {
		current = q.items[0]
	}
	q.mu.Unlock()

	if current != nil {
		q.execute(current, removed)
	}
	return true
}

// SetOverride seizes exclusive control of the queue: subsequent
// Enqueue/Advance calls carrying a different (or missing) tag are
// dropped. Used by fleet-wide shutdown so no launch can interleave.
func (q *Queue) SetOverride(tag string) {
	q.mu.Lock()
	q.override = tag
	q.mu.Unlock()
}

// ClearOverride releases an override if tag matches the holder.
func (q *Queue) ClearOverride(tag string) {
	q.mu.Lock()
	if q.override == tag {
		q.override = ""
	}
	q.mu.Unlock()
}

// Head returns the in-flight item, or nil when the queue is idle.
func (q *Queue) Head() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Following returns the items queued behind the head. The execute
// callback uses it to release same-group neighbours together.
func (q *Queue) Following() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) <= 1 {
		return nil
	}
	out := make([]*Item, len(q.items)-1)
	copy(out, q.items[1:])
	return out
}

// Len returns the number of queued items, including the in-flight head.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Idle reports whether nothing is queued or in flight.
func (q *Queue) Idle() bool { return q.Len() == 0 }
