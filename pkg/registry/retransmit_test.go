package registry

import (
	"testing"
	"time"

	"github.com/wenpeng8019/rendezvous/pkg/wire"
)

func TestQueuePushIsIdempotentPerPair(t *testing.T) {
	q := NewQueue()
	h := Handle{idx: 1, gen: 1}
	q.Push(h)
	q.Push(h)
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after re-pushing the same pair", q.Len())
	}
}

func TestQueueFIFOOrder(t *testing.T) {
	tab := NewTable(4)
	now := time.Now()
	ha, pa, _ := tab.Insert(wire.NewPeerID([]byte("a")), wire.NewPeerID([]byte("b")), now)
	hb, pb, _ := tab.Insert(wire.NewPeerID([]byte("c")), wire.NewPeerID([]byte("d")), now)

	pa.PendingSentTime = now
	pb.PendingSentTime = now.Add(time.Millisecond)

	q := NewQueue()
	q.Push(ha)
	q.Push(hb)

	var order []Handle
	q.Scan(tab, now.Add(10*time.Hour), func(h Handle, p *Pair) { order = append(order, h) }, nil)

	if len(order) != 2 || order[0] != ha || order[1] != hb {
		t.Fatalf("scan order = %v, want [ha hb]", order)
	}
}

func TestScanGivesUpAfterMaxRetries(t *testing.T) {
	tab := NewTable(4)
	now := time.Now()
	h, p, _ := tab.Insert(wire.NewPeerID([]byte("a")), wire.NewPeerID([]byte("b")), now)
	p.PendingSentTime = now
	p.PendingBaseIndex = 0

	q := NewQueue()
	q.Push(h)

	t2 := now
	var resends, giveups int
	for i := 0; i < MaxRetries; i++ {
		t2 = t2.Add(RetryInterval)
		q.Scan(tab, t2, func(h Handle, p *Pair) { resends++ }, func(h Handle, p *Pair) { giveups++ })
	}
	if resends != MaxRetries {
		t.Fatalf("resends = %d, want %d", resends, MaxRetries)
	}
	if giveups != 0 {
		t.Fatalf("giveups = %d, want 0 before exhausting retries", giveups)
	}
	if q.Len() != 1 {
		t.Fatalf("pair should still be queued mid-retry, Len() = %d", q.Len())
	}

	t2 = t2.Add(RetryInterval)
	q.Scan(tab, t2, func(h Handle, p *Pair) { resends++ }, func(h Handle, p *Pair) { giveups++ })
	if giveups != 1 {
		t.Fatalf("giveups = %d, want 1", giveups)
	}
	if p.Info0Acked != Info0GivenUp {
		t.Fatalf("Info0Acked = %v, want Info0GivenUp", p.Info0Acked)
	}
	if q.Len() != 0 {
		t.Fatalf("pair should have left the queue after giving up, Len() = %d", q.Len())
	}
}

func TestScanDropsStaleHandles(t *testing.T) {
	tab := NewTable(4)
	now := time.Now()
	h, p, _ := tab.Insert(wire.NewPeerID([]byte("a")), wire.NewPeerID([]byte("b")), now)
	p.PendingSentTime = now

	q := NewQueue()
	q.Push(h)
	tab.Release(h)

	called := false
	q.Scan(tab, now.Add(time.Hour), func(Handle, *Pair) { called = true }, nil)
	if called {
		t.Fatalf("resend should not be called for a released pair")
	}
	if q.Len() != 0 {
		t.Fatalf("stale handle should be dropped from the queue")
	}
}

func TestRemoveOnAck(t *testing.T) {
	q := NewQueue()
	h := Handle{idx: 0, gen: 1}
	q.Push(h)
	if !q.Remove(h) {
		t.Fatalf("Remove should report true for a queued handle")
	}
	if q.Contains(h) {
		t.Fatalf("handle should no longer be queued")
	}
	if q.Remove(h) {
		t.Fatalf("Remove should report false the second time")
	}
}
