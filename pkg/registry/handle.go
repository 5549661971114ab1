// Package registry implements the pair registry (C3) and the pending
// seq=0 retransmit queue (C4): the fixed-capacity compact-mode pair table
// with its dual indices, and the bounded-retry FIFO that keeps PEER_INFO
// reliable despite UDP.
package registry

// Handle is an opaque, generation-tagged reference to a pair slot, in the
// spirit of the design notes' "back-references without cycles": it is
// checked for validity on every dereference instead of being a raw pointer
// into the slot arena, so a stale handle into a reused slot never aliases
// the wrong pair.
type Handle struct {
	idx int32
	gen uint32
}

// NoHandle means "no reference". It has idx -1, so it is not the Go zero
// value of Handle.
var NoHandle = Handle{idx: -1}

// BrokenHandle is the distinguished sentinel for "this pair's sibling was
// reclaimed while this pair was still valid" — the Go analog of the
// original's (void*)-1 peer_ref sentinel.
var BrokenHandle = Handle{idx: -2}

// IsNone reports whether h is the unset handle NoHandle.
func (h Handle) IsNone() bool { return h == NoHandle }

// IsBroken reports whether h is the broken sentinel.
func (h Handle) IsBroken() bool { return h == BrokenHandle }
