package queue

import (
	"testing"

	"github.com/counting-bot/Aura/id"
)

func item(kind Kind, group int) *Item {
	return &Item{WorkerID: id.NewWorkerID(), Kind: kind, GroupID: group}
}

// ---------------------------------------------------------------------------
// Sequencing
// ---------------------------------------------------------------------------

func TestQueue_EnqueueOnEmptyKicksExecution(t *testing.T) {
	var fired []*Item
	q := New(func(current, _ *Item) { fired = append(fired, current) })

	first := item(KindCluster, 0)
	q.Enqueue(first, "")

	if len(fired) != 1 || fired[0] != first {
		t.Fatalf("expected synchronous execution of the first item, got %d signals", len(fired))
	}
}

func TestQueue_EnqueueOnBusyDoesNotKick(t *testing.T) {
	var fired int
	q := New(func(_, _ *Item) { fired++ })

	q.Enqueue(item(KindCluster, 0), "")
	q.Enqueue(item(KindCluster, 0), "")

	if fired != 1 {
		t.Fatalf("expected one execute signal, got %d", fired)
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 queued items, got %d", q.Len())
	}
}

func TestQueue_AdvanceMovesToNext(t *testing.T) {
	var fired []*Item
	var previous []*Item
	q := New(func(current, prev *Item) {
		fired = append(fired, current)
		previous = append(previous, prev)
	})

	a := item(KindCluster, 0)
	b := item(KindCluster, 0)
	q.EnqueueMany([]*Item{a, b}, "")

	q.Advance(false, "")

	if len(fired) != 2 {
		t.Fatalf("expected 2 execute signals, got %d", len(fired))
	}
	if fired[1] != b {
		t.Fatal("expected second signal to carry item b")
	}
	if previous[0] != nil || previous[1] != a {
		t.Fatal("expected previous item to be nil, then a")
	}
}

func TestQueue_AdvanceIsFirstKeepsHead(t *testing.T) {
	var fired int
	q := New(func(_, _ *Item) { fired++ })

	q.Enqueue(item(KindCluster, 0), "")
	q.Advance(true, "")

	if q.Len() != 1 {
		t.Fatalf("isFirst advance must not remove the head, len=%d", q.Len())
	}
	if fired != 2 {
		t.Fatalf("expected re-execution of the head, got %d signals", fired)
	}
}

func TestQueue_AdvanceOnEmptyIsNoop(t *testing.T) {
	var fired int
	q := New(func(_, _ *Item) { fired++ })

	q.Advance(false, "")

	if fired != 0 {
		t.Fatal("advance on an empty queue must not fire")
	}
	if !q.Idle() {
		t.Fatal("queue should be idle")
	}
}

func TestQueue_DrainToIdle(t *testing.T) {
	q := New(func(_, _ *Item) {})
	q.EnqueueMany([]*Item{item(KindCluster, 0), item(KindCluster, 1)}, "")

	q.Advance(false, "")
	q.Advance(false, "")

	if !q.Idle() {
		t.Fatalf("expected idle queue, len=%d", q.Len())
	}
}

// ---------------------------------------------------------------------------
// Removal
// ---------------------------------------------------------------------------

func TestQueue_RemoveMidQueueItem(t *testing.T) {
	var fired []*Item
	q := New(func(current, _ *Item) { fired = append(fired, current) })

	a := item(KindCluster, 0)
	b := item(KindCluster, 0)
	c := item(KindCluster, 1)
	q.EnqueueMany([]*Item{a, b, c}, "")

	if !q.Remove(b.WorkerID) {
		t.Fatal("expected b to be removed")
	}
	if len(fired) != 1 {
		t.Fatalf("removing a follower must not fire, got %d signals", len(fired))
	}

	q.Advance(false, "")
	if len(fired) != 2 || fired[1] != c {
		t.Fatal("expected c to follow a directly after b's removal")
	}
}

func TestQueue_RemoveHeadAdvances(t *testing.T) {
	var fired []*Item
	var previous []*Item
	q := New(func(current, prev *Item) {
		fired = append(fired, current)
		previous = append(previous, prev)
	})

	a := item(KindCluster, 0)
	b := item(KindCluster, 1)
	q.EnqueueMany([]*Item{a, b}, "")

	if !q.Remove(a.WorkerID) {
		t.Fatal("expected a to be removed")
	}
	if len(fired) != 2 || fired[1] != b {
		t.Fatal("removing the head must release the next item")
	}
	if previous[1] != a {
		t.Fatal("expected the removed head to be passed as previous")
	}
}

func TestQueue_RemoveLastItemGoesIdle(t *testing.T) {
	q := New(func(_, _ *Item) {})
	only := item(KindService, 0)
	q.Enqueue(only, "")

	if !q.Remove(only.WorkerID) {
		t.Fatal("expected the item to be removed")
	}
	if !q.Idle() {
		t.Fatalf("expected idle queue, len=%d", q.Len())
	}
	if q.Remove(only.WorkerID) {
		t.Fatal("second removal must report not found")
	}
}

// ---------------------------------------------------------------------------
// Override gate
// ---------------------------------------------------------------------------

func TestQueue_OverrideDropsUntaggedCalls(t *testing.T) {
	var fired int
	q := New(func(_, _ *Item) { fired++ })

	q.SetOverride("shutdown")

	q.Enqueue(item(KindCluster, 0), "")
	q.Enqueue(item(KindCluster, 0), "other")
	if q.Len() != 0 {
		t.Fatalf("untagged enqueues must be dropped, len=%d", q.Len())
	}

	q.Enqueue(item(KindShutdown, 0), "shutdown")
	if q.Len() != 1 || fired != 1 {
		t.Fatalf("tagged enqueue must pass, len=%d fired=%d", q.Len(), fired)
	}

	q.Advance(false, "")
	if q.Len() != 1 {
		t.Fatal("untagged advance must be dropped")
	}
	q.Advance(false, "shutdown")
	if q.Len() != 0 {
		t.Fatal("tagged advance must pass")
	}
}

func TestQueue_ClearOverrideRequiresHolder(t *testing.T) {
	q := New(func(_, _ *Item) {})
	q.SetOverride("shutdown")

	q.ClearOverride("other")
	q.Enqueue(item(KindCluster, 0), "")
	if q.Len() != 0 {
		t.Fatal("override must survive a non-holder clear")
	}

	q.ClearOverride("shutdown")
	q.Enqueue(item(KindCluster, 0), "")
	if q.Len() != 1 {
		t.Fatal("cleared override must admit plain enqueues again")
	}
}

// ---------------------------------------------------------------------------
// Peeking
// ---------------------------------------------------------------------------

func TestQueue_HeadAndFollowing(t *testing.T) {
	q := New(func(_, _ *Item) {})
	a := item(KindCluster, 0)
	b := item(KindCluster, 0)
	c := item(KindCluster, 1)
	q.EnqueueMany([]*Item{a, b, c}, "")

	if q.Head() != a {
		t.Fatal("head should be the first enqueued item")
	}
	following := q.Following()
	if len(following) != 2 || following[0] != b || following[1] != c {
		t.Fatalf("expected following [b c], got %d items", len(following))
	}
}

func TestQueue_FollowingOnShortQueue(t *testing.T) {
	q := New(func(_, _ *Item) {})
	if q.Following() != nil {
		t.Fatal("empty queue has no following items")
	}
	q.Enqueue(item(KindService, 0), "")
	if q.Following() != nil {
		t.Fatal("single-item queue has no following items")
	}
}
