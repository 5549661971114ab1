// Package relaysvc implements the relay-mode (TCP) client table and signaling
// handler (C6, C7): LOGIN/CONNECT/ANSWER/LIST/HEARTBEAT over a fixed-capacity
// table of framed connections, including the offline candidate cache and its
// merge-on-login replay.
package relaysvc

import (
	"errors"
	"time"

	"github.com/wenpeng8019/rendezvous/pkg/wire"
)

// DefaultCapacity is the fixed client-slot count. The source buffer sizes
// (e.g. the 1024-octet LIST_RES buffer) imply a bounded population; this
// implementation parameterizes it via NewTable rather than hard-coding a
// single source-derived constant, since the design notes do not name one.
const DefaultCapacity = 1024

// PendingCandidateCap is the per-slot offline candidate cache size (§4.5's
// "cap 32").
const PendingCandidateCap = 32

// ErrFull is returned by Accept when no client slot is free.
var ErrFull = errors.New("client table full")

// Conn is the minimum a relay handler needs from a live TCP connection: the
// ability to send a framed reply and to be closed. The event loop (C8)
// supplies the concrete implementation bound to a socket.
type Conn interface {
	Send(f wire.RelayFrame) error
	Close() error
}

// ClientHandle is a generation-tagged reference into the client table,
// mirroring the pair registry's Handle so a connection's goroutine can hold
// a stable reference across slot reuse.
type ClientHandle struct {
	idx int32
	gen uint32
}

// NoHandle denotes "no client". It has idx -1, so it is not the Go zero
// value of ClientHandle.
var NoHandle = ClientHandle{idx: -1}

// IsNone reports whether h is an unset handle (negative index).
func (h ClientHandle) IsNone() bool { return h.idx < 0 }

// Client is one client-table slot (C6).
type Client struct {
	Name wire.PeerID

	// Online is false for a placeholder slot holding cached candidates for
	// a name that has never logged in (or has disconnected) — the "fd is
	// the offline sentinel" state from §4.5.
	Online bool
	Conn   Conn

	LastActive time.Time

	// CurrentPeer is the last CONNECT initiator relayed to this client as
	// an OFFER; it distinguishes a CONNECT from a new initiator (OFFER) from
	// a repeat CONNECT by the same initiator (FORWARD). The zero PeerID
	// means "none".
	CurrentPeer wire.PeerID

	PendingSender     wire.PeerID
	PendingCandidates [][wire.CandidateBlobSize]byte
}

type clientSlot struct {
	valid bool
	gen   uint32
	c     Client
}

// Table is the fixed-capacity client table (C6).
type Table struct {
	slots []clientSlot
	free  []int32
}

// NewTable allocates a client table with the given fixed capacity.
func NewTable(capacity int) *Table {
	t := &Table{slots: make([]clientSlot, capacity)}
	t.free = make([]int32, capacity)
	for i := range t.free {
		t.free[i] = int32(capacity - 1 - i)
	}
	return t
}

func (t *Table) handle(idx int32) ClientHandle {
	return ClientHandle{idx: idx, gen: t.slots[idx].gen}
}

// Deref resolves h to its Client, reporting whether it is currently valid.
func (t *Table) Deref(h ClientHandle) (*Client, bool) {
	if h.IsNone() || int(h.idx) >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[h.idx]
	if !s.valid || s.gen != h.gen {
		return nil, false
	}
	return &s.c, true
}

// Accept allocates a fresh, nameless online slot for a new TCP connection
// (§4.5's Accept step). Returns ErrFull if no slot is free, in which case
// the caller must close conn itself.
func (t *Table) Accept(conn Conn, now time.Time) (ClientHandle, *Client, error) {
	if len(t.free) == 0 {
		return NoHandle, nil, ErrFull
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	s := &t.slots[idx]
	s.valid = true
	s.gen++
	s.c = Client{Online: true, Conn: conn, LastActive: now}
	return t.handle(idx), &s.c, nil
}

// allocatePlaceholder allocates a slot for an offline candidate cache with
// the given name. Returns (NoHandle, nil, false) if the table is full.
func (t *Table) allocatePlaceholder(name wire.PeerID, now time.Time) (ClientHandle, *Client, bool) {
	if len(t.free) == 0 {
		return NoHandle, nil, false
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	s := &t.slots[idx]
	s.valid = true
	s.gen++
	s.c = Client{Name: name, Online: false, LastActive: now}
	return t.handle(idx), &s.c, true
}

// Close frees h's slot, closing its connection if still online. A no-op if
// h does not resolve.
func (t *Table) Close(h ClientHandle) {
	s, ok := t.Deref(h)
	if !ok {
		return
	}
	if s.Online && s.Conn != nil {
		s.Conn.Close()
	}
	t.slots[h.idx].valid = false
	t.slots[h.idx].c = Client{}
	t.free = append(t.free, h.idx)
}

// FindOnlineByName returns the (at most one, per the table invariant) valid
// online slot with the given name.
func (t *Table) FindOnlineByName(name wire.PeerID) (ClientHandle, *Client, bool) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.valid && s.c.Online && s.c.Name == name {
			return t.handle(int32(i)), &s.c, true
		}
	}
	return NoHandle, nil, false
}

// FindOfflinePlaceholder returns a valid offline slot with the given name
// that is holding at least one pending candidate.
func (t *Table) FindOfflinePlaceholder(name wire.PeerID) (ClientHandle, *Client, bool) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.valid && !s.c.Online && s.c.Name == name && len(s.c.PendingCandidates) > 0 {
			return t.handle(int32(i)), &s.c, true
		}
	}
	return NoHandle, nil, false
}

// FindOrAllocateOfflinePlaceholder returns the existing offline slot for
// name if one exists (regardless of pending state), otherwise allocates a
// fresh one. Used by CONNECT's offline path, which needs a cache slot even
// before any candidate has arrived.
func (t *Table) FindOrAllocateOfflinePlaceholder(name wire.PeerID, now time.Time) (ClientHandle, *Client, bool) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.valid && !s.c.Online && s.c.Name == name {
			return t.handle(int32(i)), &s.c, true
		}
	}
	return t.allocatePlaceholder(name, now)
}

// Names calls fn for every valid online client's name except skip.
func (t *Table) Names(skip wire.PeerID, fn func(name wire.PeerID)) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.valid && s.c.Online && s.c.Name != skip {
			fn(s.c.Name)
		}
	}
}

// Range calls fn for every valid slot (online or offline placeholder).
func (t *Table) Range(fn func(ClientHandle, *Client)) {
	for i := range t.slots {
		if t.slots[i].valid {
			fn(t.handle(int32(i)), &t.slots[i].c)
		}
	}
}
