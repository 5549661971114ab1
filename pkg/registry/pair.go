package registry

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net/netip"
	"os"
	"time"

	"github.com/cespare/xxhash"

	"github.com/wenpeng8019/rendezvous/pkg/wire"
)

// DefaultCapacity matches the fixed 128-pair table in the source
// implementation. Callers may parameterize via NewTable.
const DefaultCapacity = 128

// ErrFull is returned by Insert when no slot is free (the TableFull
// disposition in §7: the caller responds REGISTER_ACK{status=2} and makes
// no state change).
var ErrFull = errors.New("pair table full")

// Info0AckState is the tri-state reliability status of the single
// outstanding seq=0 PEER_INFO for a pair.
type Info0AckState uint8

const (
	Info0Pending Info0AckState = iota
	Info0Confirmed
	Info0GivenUp
)

// compositeKey is the 64-octet (local_id, remote_id) composite key.
type compositeKey [wire.PeerIDSize * 2]byte

func makeCompositeKey(local, remote wire.PeerID) compositeKey {
	var k compositeKey
	copy(k[:32], local[:])
	copy(k[32:], remote[:])
	return k
}

// Fingerprint returns a short, non-cryptographic digest of a (local_id,
// remote_id) pair, suitable for structured log fields that need to
// correlate repeated log lines about the same pair without printing the
// full 64-octet composite key.
func Fingerprint(local, remote wire.PeerID) uint64 {
	k := makeCompositeKey(local, remote)
	return xxhash.Sum64(k[:])
}

// Pair is one half of a bidirectional compact-mode registration, per the
// DATA MODEL section.
type Pair struct {
	LocalID  wire.PeerID
	RemoteID wire.PeerID

	SessionID uint64 // 0 until bilaterally matched
	Addr      netip.AddrPort

	Candidates []wire.Candidate // at most wire.MaxCandidates

	PeerRef Handle // NoHandle / sibling handle / BrokenHandle

	LastActive time.Time

	// Reliable seq=0 state (§3, §4.3).
	Info0Acked       Info0AckState
	AddrNotifySeq    uint8 // skips 0 on wrap
	PendingBaseIndex uint8
	PendingRetry     int
	PendingSentTime  time.Time
}

type slot struct {
	valid bool
	gen   uint32
	pair  Pair
}

// Table is the fixed-capacity compact-mode pair registry with dual
// indexing by composite key and by session id (C3).
type Table struct {
	slots       []slot
	free        []int32
	bySession   map[uint64]int32
	byComposite map[compositeKey]int32
	entropy     func([]byte) (int, error)
}

// NewTable allocates a pair table with the given fixed capacity.
func NewTable(capacity int) *Table {
	t := &Table{
		slots:       make([]slot, capacity),
		bySession:   make(map[uint64]int32, capacity),
		byComposite: make(map[compositeKey]int32, capacity),
		entropy:     rand.Read,
	}
	t.free = make([]int32, capacity)
	for i := range t.free {
		t.free[i] = int32(capacity - 1 - i) // pop from tail = lowest index first
	}
	return t
}

// Capacity returns the table's fixed slot count.
func (t *Table) Capacity() int { return len(t.slots) }

func (t *Table) handle(idx int32) Handle {
	return Handle{idx: idx, gen: t.slots[idx].gen}
}

// Deref resolves h to its Pair, reporting whether it is currently valid.
// A handle into a freed or reused slot (stale generation) resolves to
// (nil, false), never to the wrong pair.
func (t *Table) Deref(h Handle) (*Pair, bool) {
	if h.IsNone() || h.IsBroken() || h.idx < 0 || int(h.idx) >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[h.idx]
	if !s.valid || s.gen != h.gen {
		return nil, false
	}
	return &s.pair, true
}

// FindByComposite looks up a valid pair by its (local_id, remote_id) key.
func (t *Table) FindByComposite(local, remote wire.PeerID) (Handle, *Pair, bool) {
	idx, ok := t.byComposite[makeCompositeKey(local, remote)]
	if !ok {
		return NoHandle, nil, false
	}
	s := &t.slots[idx]
	if !s.valid {
		return NoHandle, nil, false
	}
	return t.handle(idx), &s.pair, true
}

// FindBySession looks up a valid pair by session id. A sid of 0 always
// misses, per the "0 reserved as unassigned" rule.
func (t *Table) FindBySession(sid uint64) (Handle, *Pair, bool) {
	if sid == 0 {
		return NoHandle, nil, false
	}
	idx, ok := t.bySession[sid]
	if !ok {
		return NoHandle, nil, false
	}
	s := &t.slots[idx]
	if !s.valid {
		return NoHandle, nil, false
	}
	return t.handle(idx), &s.pair, true
}

// Insert allocates the first free slot for (local, remote) and inserts it
// into the composite-key index only; the session-id index entry is added
// later by AssignSession. Returns ErrFull if no slot is free.
func (t *Table) Insert(local, remote wire.PeerID, now time.Time) (Handle, *Pair, error) {
	if len(t.free) == 0 {
		return NoHandle, nil, ErrFull
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	s := &t.slots[idx]
	s.valid = true
	s.gen++
	s.pair = Pair{
		LocalID:    local,
		RemoteID:   remote,
		PeerRef:    NoHandle,
		LastActive: now,
	}
	t.byComposite[makeCompositeKey(local, remote)] = idx
	return t.handle(idx), &s.pair, nil
}

// AssignSession generates a fresh, collision-free session id for the pair
// at h and adds it to the session-id index. No-op if a session id is
// already assigned.
func (t *Table) AssignSession(h Handle) (uint64, bool) {
	p, ok := t.Deref(h)
	if !ok || p.SessionID != 0 {
		return 0, false
	}
	sid := t.generateSessionID()
	p.SessionID = sid
	t.bySession[sid] = h.idx
	return sid, true
}

// generateSessionID produces a session id unique within this table's
// indices, never 0. Cryptographically random when the entropy source is
// available, falling back to a time/pid/clock mixture (matches the
// original's degraded-entropy path; this implementation still uses the
// runtime clock and PID, never a fixed seed).
func (t *Table) generateSessionID() uint64 {
	for {
		var sid uint64
		var buf [8]byte
		if _, err := t.entropy(buf[:]); err == nil {
			sid = binary.BigEndian.Uint64(buf[:])
		} else {
			sid = uint64(time.Now().UnixNano()) ^ uint64(os.Getpid())<<32
		}
		if sid == 0 {
			sid = 1
		}
		if _, exists := t.bySession[sid]; !exists {
			return sid
		}
	}
}

// Release removes the pair at h from both indices, breaks the sibling's
// PeerRef (if still reachable) so its next REGISTER/ALIVE observes the
// break, and frees the slot. It is a no-op if h does not resolve.
//
// The caller is responsible for dequeuing h from the retransmit FIFO
// first (registry.Queue.Remove); Release does not reach into the queue
// itself to keep the two data structures decoupled.
func (t *Table) Release(h Handle) {
	p, ok := t.Deref(h)
	if !ok {
		return
	}

	if sib, sok := t.Deref(p.PeerRef); sok {
		sib.PeerRef = BrokenHandle
	}

	delete(t.byComposite, makeCompositeKey(p.LocalID, p.RemoteID))
	if p.SessionID != 0 {
		delete(t.bySession, p.SessionID)
	}

	s := &t.slots[h.idx]
	s.valid = false
	s.pair = Pair{}
	t.free = append(t.free, h.idx)
}

// Range calls fn for every currently valid pair, along with its handle.
// fn must not mutate the table's indices (Insert/Release); it may mutate
// the Pair's own fields (e.g. LastActive).
func (t *Table) Range(fn func(Handle, *Pair)) {
	for i := range t.slots {
		if t.slots[i].valid {
			fn(t.handle(int32(i)), &t.slots[i].pair)
		}
	}
}
