// Package compactsvc implements the compact-mode (UDP) signaling handler
// (C5): the state transitions driven by incoming REGISTER/PEER_INFO/ALIVE/
// UNREGISTER packets over the pair registry and retransmit queue.
package compactsvc

import (
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/wenpeng8019/rendezvous/pkg/registry"
	"github.com/wenpeng8019/rendezvous/pkg/wire"
)

// SendFunc transmits a fully-encoded compact packet to addr. Implementations
// must not block the caller for long; the event loop (C8) provides one
// backed by the bound UDP socket.
type SendFunc func(addr netip.AddrPort, b []byte)

// Config holds the per-server values a REGISTER_ACK reports back to
// clients.
type Config struct {
	ProbePort    uint16
	RelaySupport bool
}

// Handler dispatches compact packets against a pair registry (C3) and
// retransmit queue (C4). It holds no network resources of its own.
type Handler struct {
	Table *registry.Table
	Queue *registry.Queue
	Send  SendFunc
	Cfg   Config
	Log   zerolog.Logger
}

// HandlePacket decodes and dispatches one compact packet received from
// from at time now.
func (h *Handler) HandlePacket(from netip.AddrPort, data []byte, now time.Time) {
	hdr, payload, err := wire.DecodeHeader(data)
	if err != nil {
		h.Log.Debug().Err(err).Stringer("from", addrStringer{from}).Msg("drop invalid compact header")
		return
	}

	switch hdr.Type {
	case wire.TypeRegister:
		h.handleRegister(from, payload, now)
	case wire.TypePeerInfoAck:
		h.handlePeerInfoAck(hdr, payload)
	case wire.TypePeerInfo:
		h.handlePeerInfoForward(hdr, data, payload)
	case wire.TypeRelayData, wire.TypeRelayAck:
		h.handleForward(data, payload, hdr.Type)
	case wire.TypeAlive:
		h.handleAlive(from, payload, now)
	case wire.TypeUnregister:
		h.handleUnregister(payload)
	default:
		h.Log.Debug().Uint8("type", hdr.Type).Msg("drop unknown compact packet type")
	}
}

type addrStringer struct{ a netip.AddrPort }

func (s addrStringer) String() string { return s.a.String() }

func (h *Handler) handleRegister(from netip.AddrPort, payload []byte, now time.Time) {
	reg, err := wire.DecodeRegister(payload)
	if err != nil {
		h.Log.Debug().Err(err).Msg("drop invalid register")
		return
	}

	self, selfPair, ok := h.Table.FindByComposite(reg.LocalID, reg.RemoteID)
	addrChanged := false
	if !ok {
		var insErr error
		self, selfPair, insErr = h.Table.Insert(reg.LocalID, reg.RemoteID, now)
		if insErr != nil {
			h.Log.Debug().Uint64("pair_fp", registry.Fingerprint(reg.LocalID, reg.RemoteID)).Msg("register rejected: table full")
			h.Send(from, wire.RegisterAckPacket{Status: wire.StatusTableFull}.Encode(h.Cfg.RelaySupport))
			return
		}
	} else {
		addrChanged = selfPair.Addr != from
	}

	cands := reg.Candidates
	if len(cands) > wire.MaxCandidates {
		cands = cands[:wire.MaxCandidates]
	}
	selfPair.Candidates = cands
	selfPair.Addr = from
	selfPair.LastActive = now

	siblingHandle, siblingPair, siblingExists := h.Table.FindByComposite(reg.RemoteID, reg.LocalID)

	status := wire.StatusPeerOffline
	if siblingExists {
		status = wire.StatusPeerOnline
	}
	var public [wire.AddrSize]byte
	wire.PutAddr(public[:], from)
	h.Send(from, wire.RegisterAckPacket{
		Status:    status,
		MaxCands:  wire.MaxCandidates,
		Public:    public,
		ProbePort: h.Cfg.ProbePort,
	}.Encode(h.Cfg.RelaySupport))

	if !siblingExists {
		return
	}

	linked := (!selfPair.PeerRef.IsNone() && !selfPair.PeerRef.IsBroken()) ||
		(!siblingPair.PeerRef.IsNone() && !siblingPair.PeerRef.IsBroken())
	if !linked {
		h.linkBilateral(self, selfPair, siblingHandle, siblingPair, now)
		return
	}

	if addrChanged && selfPair.Info0Acked == registry.Info0Confirmed {
		h.notifyAddrChange(siblingHandle, siblingPair, selfPair.Addr, now)
	}
}

func (h *Handler) linkBilateral(self registry.Handle, selfPair *registry.Pair, sibling registry.Handle, siblingPair *registry.Pair, now time.Time) {
	selfPair.PeerRef = sibling
	siblingPair.PeerRef = self

	for _, p := range []*registry.Pair{selfPair, siblingPair} {
		p.Info0Acked = registry.Info0Pending
		p.AddrNotifySeq = 0
		p.PendingBaseIndex = 0
		p.PendingRetry = 0
	}

	if selfPair.SessionID == 0 {
		h.Table.AssignSession(self)
	}
	if siblingPair.SessionID == 0 {
		h.Table.AssignSession(sibling)
	}

	h.sendInitialPeerInfo(self, selfPair, siblingPair, now)
	h.sendInitialPeerInfo(sibling, siblingPair, selfPair, now)
}

func (h *Handler) sendInitialPeerInfo(target registry.Handle, targetPair, otherPair *registry.Pair, now time.Time) {
	cands := append([]wire.Candidate{{Kind: wire.CandidateSrflx, Addr: otherPair.Addr}}, otherPair.Candidates...)
	body := wire.PeerInfoPacket{SessionID: targetPair.SessionID, BaseIndex: 0, Candidates: cands}
	h.Send(targetPair.Addr, body.Encode(0, wire.FlagFinalFragment))

	targetPair.PendingBaseIndex = 0
	targetPair.PendingRetry = 0
	targetPair.PendingSentTime = now
	h.Queue.Push(target)
}

func (h *Handler) notifyAddrChange(target registry.Handle, targetPair *registry.Pair, newAddr netip.AddrPort, now time.Time) {
	targetPair.AddrNotifySeq++
	if targetPair.AddrNotifySeq == 0 {
		targetPair.AddrNotifySeq = 1
	}
	body := wire.PeerInfoPacket{
		SessionID:  targetPair.SessionID,
		BaseIndex:  targetPair.AddrNotifySeq,
		Candidates: []wire.Candidate{{Kind: wire.CandidateSrflx, Addr: newAddr}},
	}
	h.Send(targetPair.Addr, body.Encode(0, wire.FlagFinalFragment))

	targetPair.PendingBaseIndex = targetPair.AddrNotifySeq
	targetPair.PendingRetry = 0
	targetPair.PendingSentTime = now
	h.Queue.Push(target)
}

func (h *Handler) handlePeerInfoAck(hdr wire.Header, payload []byte) {
	ack, err := wire.DecodePeerInfoAck(payload)
	if err != nil {
		h.Log.Debug().Err(err).Msg("drop invalid peer_info_ack")
		return
	}
	if hdr.Seq > wire.MaxAckSeq {
		h.Log.Debug().Uint16("ack_seq", hdr.Seq).Msg("drop peer_info_ack: ack_seq out of range")
		return
	}

	self, selfPair, ok := h.Table.FindBySession(ack.SessionID)
	if !ok {
		h.Log.Debug().Uint64("session_id", ack.SessionID).Msg("drop peer_info_ack: unknown session")
		return
	}

	if hdr.Seq == 0 {
		if selfPair.PendingBaseIndex == 0 {
			selfPair.Info0Acked = registry.Info0Confirmed
		}
		h.Queue.Remove(self)
		selfPair.PendingRetry = 0
		return
	}

	siblingPair, ok := h.Table.Deref(selfPair.PeerRef)
	if !ok {
		h.Log.Debug().Msg("drop peer_info_ack: sibling broken")
		return
	}
	// Forward the original packet unchanged; session_id is not rewritten,
	// so the sibling receives the sender's own session id (the one selfPair
	// was found by), not its own.
	h.forwardRaw(siblingPair, hdr, payload)
}

func (h *Handler) handlePeerInfoForward(hdr wire.Header, raw []byte, payload []byte) {
	if hdr.Seq == 0 {
		h.Log.Debug().Msg("drop peer_info seq=0 from client: server-only direction")
		return
	}
	sid, err := wire.SessionIDFromPrefix(payload)
	if err != nil {
		h.Log.Debug().Err(err).Msg("drop invalid peer_info")
		return
	}
	h.forwardBySession(sid, raw)
}

func (h *Handler) handleForward(raw []byte, payload []byte, typ uint8) {
	sid, err := wire.SessionIDFromPrefix(payload)
	if err != nil {
		h.Log.Debug().Err(err).Uint8("type", typ).Msg("drop invalid relay packet")
		return
	}
	h.forwardBySession(sid, raw)
}

func (h *Handler) forwardBySession(sid uint64, raw []byte) {
	_, selfPair, ok := h.Table.FindBySession(sid)
	if !ok {
		h.Log.Debug().Uint64("session_id", sid).Msg("drop forward: unknown session")
		return
	}
	siblingPair, ok := h.Table.Deref(selfPair.PeerRef)
	if !ok {
		h.Log.Debug().Uint64("session_id", sid).Msg("drop forward: sibling broken")
		return
	}
	h.Send(siblingPair.Addr, raw)
}

// forwardRaw re-sends the header+payload to siblingPair's address unchanged.
func (h *Handler) forwardRaw(siblingPair *registry.Pair, hdr wire.Header, payload []byte) {
	raw := hdr.Append(nil)
	raw = append(raw, payload...)
	h.Send(siblingPair.Addr, raw)
}

func (h *Handler) handleAlive(from netip.AddrPort, payload []byte, now time.Time) {
	alive, err := wire.DecodeAlive(payload)
	if err != nil {
		h.Log.Debug().Err(err).Msg("drop invalid alive")
		return
	}
	if _, p, ok := h.Table.FindByComposite(alive.LocalID, alive.RemoteID); ok {
		p.LastActive = now
	}
	h.Send(from, wire.EncodeAliveAck())
}

func (h *Handler) handleUnregister(payload []byte) {
	req, err := wire.DecodeAlive(payload) // UNREGISTER shares ALIVE's (local_id,remote_id) shape
	if err != nil {
		h.Log.Debug().Err(err).Msg("drop invalid unregister")
		return
	}
	self, selfPair, ok := h.Table.FindByComposite(req.LocalID, req.RemoteID)
	if !ok {
		return
	}
	if siblingPair, ok := h.Table.Deref(selfPair.PeerRef); ok {
		h.Send(siblingPair.Addr, wire.PeerOffPacket{SessionID: siblingPair.SessionID}.Encode())
		siblingPair.PeerRef = registry.BrokenHandle
	}
	h.Queue.Remove(self)
	h.Table.Release(self)
}
