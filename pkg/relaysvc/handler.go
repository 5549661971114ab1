package relaysvc

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/wenpeng8019/rendezvous/pkg/wire"
)

// Handler dispatches relay-mode frames against a client table (C6). It
// holds no network resources of its own; frames arrive already decoded by
// a wire.FrameReader owned elsewhere (C8), and replies go out through each
// client's Conn.
type Handler struct {
	Table *Table
	Log   zerolog.Logger
}

// HandleFrame dispatches one frame received from client at time now. It
// stamps client.LastActive itself for every frame (every receive counts,
// per §4.5's HEARTBEAT note). The caller is responsible for tearing the
// client down on a transport error or an invalid-magic/oversized-payload frame,
// which this layer never sees (wire.FrameReader rejects those itself).
func (h *Handler) HandleFrame(client ClientHandle, f wire.RelayFrame, now time.Time) {
	c, ok := h.Table.Deref(client)
	if !ok {
		return
	}
	c.LastActive = now

	switch f.Type {
	case wire.RelayLogin:
		h.handleLogin(client, c, f.Payload, now)
	case wire.RelayConnect:
		h.handleConnect(client, c, f.Payload, now)
	case wire.RelayAnswer:
		h.handleAnswer(c, f.Payload)
	case wire.RelayList:
		h.handleList(c)
	case wire.RelayHeartbeat:
		// last_active already stamped above; nothing else to do.
	default:
		h.Log.Debug().Uint8("type", f.Type).Msg("drop unknown relay frame type")
	}
}

func (h *Handler) handleLogin(client ClientHandle, c *Client, payload []byte, now time.Time) {
	login, err := wire.DecodeLoginBody(payload)
	if err != nil {
		h.Log.Debug().Err(err).Msg("drop invalid login")
		return
	}
	c.Name = login.Name
	send(h, c, wire.RelayFrame{Type: wire.RelayLoginAck})

	if offHandle, offline, ok := h.Table.FindOfflinePlaceholder(c.Name); ok {
		c.PendingSender = offline.PendingSender
		c.PendingCandidates = offline.PendingCandidates
		h.Table.Close(offHandle)
	}

	h.flushPending(c)
}

// flushPending implements the three LOGIN flush cases from §4.5.
func (h *Handler) flushPending(c *Client) {
	n := len(c.PendingCandidates)
	switch {
	case n == 0:
		return
	case n < PendingCandidateCap:
		h.sendOffer(c, c.PendingSender, c.Name, c.PendingCandidates)
	default: // n == PendingCandidateCap: storage was full, signal reverse-connect
		h.sendOffer(c, c.PendingSender, c.Name, nil)
	}
	c.PendingSender = wire.PeerID{}
	c.PendingCandidates = nil
}

func (h *Handler) sendOffer(c *Client, sender, target wire.PeerID, candidates [][wire.CandidateBlobSize]byte) {
	body := wire.ForwardedBody{
		Sender: sender,
		Header: wire.SignalingHeader{
			Sender: sender,
			Target: target,
			Count:  uint32(len(candidates)),
		},
		Candidates: candidates,
	}
	send(h, c, wire.RelayFrame{Type: wire.RelayOffer, Payload: body.Encode()})
}

func (h *Handler) handleConnect(client ClientHandle, c *Client, payload []byte, now time.Time) {
	body, err := wire.DecodeConnectBody(payload)
	if err != nil {
		h.Log.Debug().Err(err).Msg("drop invalid connect")
		return
	}

	if _, target, ok := h.Table.FindOnlineByName(body.Target); ok {
		h.forwardOnline(c.Name, client, target, body)
		return
	}
	h.cacheOffline(c, body, now)
}

func (h *Handler) forwardOnline(sender wire.PeerID, senderHandle ClientHandle, target *Client, body wire.ConnectBody) {
	opcode := uint8(wire.RelayOffer)
	if target.CurrentPeer == sender {
		opcode = wire.RelayForward
	} else {
		target.CurrentPeer = sender
	}

	fwd := wire.ForwardedBody{Sender: sender, Header: body.Header, Candidates: body.Candidates}
	send(h, target, wire.RelayFrame{Type: opcode, Payload: fwd.Encode()})

	if self, ok := h.Table.Deref(senderHandle); ok {
		send(h, self, wire.RelayFrame{
			Type:    wire.RelayConnectAck,
			Payload: wire.ConnectAckBody{Status: wire.ConnectAckOK, CandidatesAcked: uint8(len(body.Candidates))}.Encode(),
		})
	}
}

func (h *Handler) cacheOffline(c *Client, body wire.ConnectBody, now time.Time) {
	sender := c.Name
	_, ph, ok := h.Table.FindOrAllocateOfflinePlaceholder(body.Target, now)
	if !ok {
		send(h, c, wire.RelayFrame{
			Type:    wire.RelayConnectAck,
			Payload: wire.ConnectAckBody{Status: wire.ConnectAckCachedFull, CandidatesAcked: 0}.Encode(),
		})
		return
	}

	if len(ph.PendingCandidates) == 0 || ph.PendingSender != sender {
		if len(ph.PendingCandidates) != 0 {
			h.Log.Debug().Msg("discarding stale offline candidate cache: new sender")
		}
		ph.PendingSender = sender
		ph.PendingCandidates = nil
	}

	reachedCap := false
	accepted := 0
	for _, cand := range body.Candidates {
		if len(ph.PendingCandidates) >= PendingCandidateCap {
			reachedCap = true
			break
		}
		ph.PendingCandidates = append(ph.PendingCandidates, cand)
		accepted++
	}

	status := wire.ConnectAckCachedSome
	if len(ph.PendingCandidates) >= PendingCandidateCap || reachedCap {
		status = wire.ConnectAckCachedFull
	}
	send(h, c, wire.RelayFrame{
		Type:    wire.RelayConnectAck,
		Payload: wire.ConnectAckBody{Status: status, CandidatesAcked: uint8(accepted)}.Encode(),
	})
}

func (h *Handler) handleAnswer(c *Client, payload []byte) {
	body, err := wire.DecodeConnectBody(payload)
	if err != nil {
		h.Log.Debug().Err(err).Msg("drop invalid answer")
		return
	}
	_, target, ok := h.Table.FindOnlineByName(body.Target)
	if !ok {
		h.Log.Debug().Stringer("target", body.Target).Msg("drop answer: target offline")
		return
	}
	fwd := wire.ForwardedBody{Sender: c.Name, Header: body.Header, Candidates: body.Candidates}
	send(h, target, wire.RelayFrame{Type: wire.RelayForward, Payload: fwd.Encode()})
}

func (h *Handler) handleList(c *Client) {
	var names []string
	h.Table.Names(c.Name, func(name wire.PeerID) { names = append(names, name.String()) })
	send(h, c, wire.RelayFrame{Type: wire.RelayListRes, Payload: wire.EncodeListRes(names)})
}

// send transmits f to c, logging and leaving teardown to the caller on
// failure (mirrors the compact handler's SendFunc: a send error here is a
// transport-level concern, not a protocol one).
func send(h *Handler, c *Client, f wire.RelayFrame) {
	if c.Conn == nil {
		return
	}
	if err := c.Conn.Send(f); err != nil {
		h.Log.Debug().Err(err).Msg("relay send failed")
	}
}
