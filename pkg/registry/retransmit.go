package registry

import (
	"container/list"
	"time"
)

// RetryInterval and MaxRetries are the bounded-retry parameters from §4.3.
const (
	RetryInterval = 2 * time.Second
	MaxRetries    = 5
)

// Queue is the FIFO of pairs awaiting an ACK for exactly one outstanding
// PEER_INFO(seq=0) packet (C4). A pair is in the queue at most once;
// re-enqueuing replaces any prior entry. The list is ordered by
// pending_sent_time because every push uses the caller's current time and
// pushes happen in real-time order.
type Queue struct {
	l *list.List
	m map[Handle]*list.Element
}

// NewQueue creates an empty retransmit queue.
func NewQueue() *Queue {
	return &Queue{l: list.New(), m: make(map[Handle]*list.Element)}
}

// Len reports the number of pairs currently awaiting an ACK.
func (q *Queue) Len() int { return q.l.Len() }

// Push enqueues h at the tail, first removing any prior entry for the same
// pair so each pair appears at most once.
func (q *Queue) Push(h Handle) {
	q.Remove(h)
	q.m[h] = q.l.PushBack(h)
}

// Remove dequeues h if present, reporting whether it was found.
func (q *Queue) Remove(h Handle) bool {
	el, ok := q.m[h]
	if !ok {
		return false
	}
	q.l.Remove(el)
	delete(q.m, h)
	return true
}

// Contains reports whether h is currently queued.
func (q *Queue) Contains(h Handle) bool {
	_, ok := q.m[h]
	return ok
}

func (q *Queue) popFront() (Handle, bool) {
	el := q.l.Front()
	if el == nil {
		return NoHandle, false
	}
	h := el.Value.(Handle)
	q.l.Remove(el)
	delete(q.m, h)
	return h, true
}

// Resend is called by Scan for every pair whose outstanding seq=0 packet
// needs to be (re)sent. The implementation is expected to re-derive the
// packet body from the sibling's current candidates and address (§4.3,
// §8 property 5) rather than caching the originally-sent bytes.
type Resend func(h Handle, p *Pair)

// GaveUp is called once for each pair whose retry budget is exhausted.
type GaveUp func(h Handle, p *Pair)

// Scan runs one pass of the periodic retransmit scan (§4.3): while the
// head of the queue has been outstanding for at least RetryInterval, it is
// popped and either retired (MaxRetries reached) or resent and re-enqueued
// at the tail with a fresh sent time. Stale handles (pair already released
// through some other path) are silently dropped.
func (q *Queue) Scan(table *Table, now time.Time, resend Resend, gaveUp GaveUp) {
	for {
		front := q.l.Front()
		if front == nil {
			return
		}
		h := front.Value.(Handle)
		p, valid := table.Deref(h)
		if !valid {
			q.popFront()
			continue
		}
		if now.Sub(p.PendingSentTime) < RetryInterval {
			return
		}
		q.popFront()

		if p.PendingRetry >= MaxRetries {
			if p.PendingBaseIndex == 0 {
				p.Info0Acked = Info0GivenUp
			}
			p.PendingRetry = 0
			if gaveUp != nil {
				gaveUp(h, p)
			}
			continue
		}

		p.PendingRetry++
		p.PendingSentTime = now
		if resend != nil {
			resend(h, p)
		}
		q.m[h] = q.l.PushBack(h)
	}
}
