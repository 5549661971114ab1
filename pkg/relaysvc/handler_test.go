package relaysvc

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wenpeng8019/rendezvous/pkg/wire"
)

type fakeConn struct {
	sent   []wire.RelayFrame
	closed bool
}

func (c *fakeConn) Send(f wire.RelayFrame) error {
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func login(h *Handler, table *Table, name wire.PeerID, now time.Time) (ClientHandle, *fakeConn) {
	conn := &fakeConn{}
	handle, c, err := table.Accept(conn, now)
	if err != nil {
		panic(err)
	}
	h.HandleFrame(handle, wire.RelayFrame{Type: wire.RelayLogin, Payload: wire.LoginBody{Name: name}.Encode()}, now)
	_ = c
	return handle, conn
}

func newHandler(cap int) (*Handler, *Table) {
	tab := NewTable(cap)
	return &Handler{Table: tab, Log: zerolog.Nop()}, tab
}

func TestLoginSendsAck(t *testing.T) {
	h, tab := newHandler(4)
	now := time.Now()
	_, conn := login(h, tab, wire.NewPeerID([]byte("alice")), now)
	if len(conn.sent) != 1 || conn.sent[0].Type != wire.RelayLoginAck {
		t.Fatalf("expected a single LOGIN_ACK, got %+v", conn.sent)
	}
}

func TestConnectOnlinePathSendsOfferThenForward(t *testing.T) {
	h, tab := newHandler(4)
	now := time.Now()
	aliceHandle, aliceConn := login(h, tab, wire.NewPeerID([]byte("alice")), now)
	_, bobConn := login(h, tab, wire.NewPeerID([]byte("bob")), now)
	aliceConn.sent = nil
	bobConn.sent = nil

	body := wire.ConnectBody{
		Target: wire.NewPeerID([]byte("bob")),
		Header: wire.SignalingHeader{Sender: wire.NewPeerID([]byte("alice")), Target: wire.NewPeerID([]byte("bob"))},
	}
	h.HandleFrame(aliceHandle, wire.RelayFrame{Type: wire.RelayConnect, Payload: body.Encode()}, now)

	if len(bobConn.sent) != 1 || bobConn.sent[0].Type != wire.RelayOffer {
		t.Fatalf("expected bob to receive an OFFER, got %+v", bobConn.sent)
	}
	if len(aliceConn.sent) != 1 || aliceConn.sent[0].Type != wire.RelayConnectAck {
		t.Fatalf("expected alice to receive a CONNECT_ACK, got %+v", aliceConn.sent)
	}
	ack := decodeAck(t, aliceConn.sent[0].Payload)
	if ack.Status != wire.ConnectAckOK {
		t.Fatalf("expected CONNECT_ACK{status=0}, got %+v", ack)
	}

	// A second CONNECT from the same sender while current_peer==alice must
	// use FORWARD, not a second OFFER.
	bobConn.sent = nil
	h.HandleFrame(aliceHandle, wire.RelayFrame{Type: wire.RelayConnect, Payload: body.Encode()}, now)
	if len(bobConn.sent) != 1 || bobConn.sent[0].Type != wire.RelayForward {
		t.Fatalf("expected FORWARD on repeat CONNECT from the same sender, got %+v", bobConn.sent)
	}
}

func decodeAck(t *testing.T, p []byte) wire.ConnectAckBody {
	t.Helper()
	if len(p) < 2 {
		t.Fatalf("connect_ack payload too short: %v", p)
	}
	return wire.ConnectAckBody{Status: p[0], CandidatesAcked: p[1]}
}

func TestConnectOfflinePathCachesAndAcks(t *testing.T) {
	h, tab := newHandler(4)
	now := time.Now()
	aliceHandle, aliceConn := login(h, tab, wire.NewPeerID([]byte("alice")), now)
	aliceConn.sent = nil

	var cands [][wire.CandidateBlobSize]byte
	for i := 0; i < 10; i++ {
		cands = append(cands, [wire.CandidateBlobSize]byte{byte(i)})
	}
	body := wire.ConnectBody{
		Target:     wire.NewPeerID([]byte("bob")),
		Header:     wire.SignalingHeader{Sender: wire.NewPeerID([]byte("alice")), Target: wire.NewPeerID([]byte("bob")), Count: uint32(len(cands))},
		Candidates: cands,
	}
	h.HandleFrame(aliceHandle, wire.RelayFrame{Type: wire.RelayConnect, Payload: body.Encode()}, now)

	if len(aliceConn.sent) != 1 || aliceConn.sent[0].Type != wire.RelayConnectAck {
		t.Fatalf("expected a CONNECT_ACK, got %+v", aliceConn.sent)
	}
	ack := decodeAck(t, aliceConn.sent[0].Payload)
	if ack.Status != wire.ConnectAckCachedSome || ack.CandidatesAcked != 10 {
		t.Fatalf("expected {status=1, acked=10}, got %+v", ack)
	}

	_, ph, ok := tab.FindOfflinePlaceholder(wire.NewPeerID([]byte("bob")))
	if !ok || len(ph.PendingCandidates) != 10 {
		t.Fatalf("expected a placeholder slot holding 10 candidates")
	}

	// A second CONNECT from the same sender with 30 more candidates only
	// has room for 22 before hitting the cap (10 already cached, cap 32);
	// the ack must report 22 accepted this call, not the cumulative total.
	aliceConn.sent = nil
	var more [][wire.CandidateBlobSize]byte
	for i := 0; i < 30; i++ {
		more = append(more, [wire.CandidateBlobSize]byte{byte(100 + i)})
	}
	body2 := wire.ConnectBody{
		Target:     wire.NewPeerID([]byte("bob")),
		Header:     wire.SignalingHeader{Sender: wire.NewPeerID([]byte("alice")), Target: wire.NewPeerID([]byte("bob")), Count: uint32(len(more))},
		Candidates: more,
	}
	h.HandleFrame(aliceHandle, wire.RelayFrame{Type: wire.RelayConnect, Payload: body2.Encode()}, now)

	if len(aliceConn.sent) != 1 || aliceConn.sent[0].Type != wire.RelayConnectAck {
		t.Fatalf("expected a CONNECT_ACK, got %+v", aliceConn.sent)
	}
	ack2 := decodeAck(t, aliceConn.sent[0].Payload)
	if ack2.Status != wire.ConnectAckCachedFull || ack2.CandidatesAcked != 22 {
		t.Fatalf("expected {status=2, acked=22}, got %+v", ack2)
	}

	_, ph2, ok := tab.FindOfflinePlaceholder(wire.NewPeerID([]byte("bob")))
	if !ok || len(ph2.PendingCandidates) != PendingCandidateCap {
		t.Fatalf("expected the placeholder to be filled to the cap, got %d", len(ph2.PendingCandidates))
	}
}

// TestLoginMergesOfflineCacheAndSendsFullOffer exercises §8's storage-full
// scenario: 32 cached candidates merge into bob's online slot and he gets a
// single empty OFFER signalling reverse-connect.
func TestLoginMergesOfflineCacheAndSendsFullOffer(t *testing.T) {
	h, tab := newHandler(4)
	now := time.Now()
	aliceHandle, aliceConn := login(h, tab, wire.NewPeerID([]byte("alice")), now)
	aliceConn.sent = nil

	var cands [][wire.CandidateBlobSize]byte
	for i := 0; i < PendingCandidateCap; i++ {
		cands = append(cands, [wire.CandidateBlobSize]byte{byte(i)})
	}
	body := wire.ConnectBody{
		Target:     wire.NewPeerID([]byte("bob")),
		Header:     wire.SignalingHeader{Sender: wire.NewPeerID([]byte("alice")), Target: wire.NewPeerID([]byte("bob")), Count: uint32(len(cands))},
		Candidates: cands,
	}
	h.HandleFrame(aliceHandle, wire.RelayFrame{Type: wire.RelayConnect, Payload: body.Encode()}, now)

	_, bobConn := login(h, tab, wire.NewPeerID([]byte("bob")), now)

	var offers []wire.RelayFrame
	for _, f := range bobConn.sent {
		if f.Type == wire.RelayOffer {
			offers = append(offers, f)
		}
	}
	if len(offers) != 1 {
		t.Fatalf("expected exactly one OFFER after merge, got %d", len(offers))
	}
	fwd, err := wire.DecodeForwardedBody(offers[0].Payload)
	if err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if len(fwd.Candidates) != 0 {
		t.Fatalf("expected an empty OFFER (count=0) signalling reverse-connect, got %d candidates", len(fwd.Candidates))
	}
	if fwd.Sender != wire.NewPeerID([]byte("alice")) {
		t.Fatalf("expected sender=alice on the merged OFFER")
	}

	if _, _, ok := tab.FindOfflinePlaceholder(wire.NewPeerID([]byte("bob"))); ok {
		t.Fatalf("offline placeholder should be freed after merge")
	}
}

func TestAnswerForwardsWithoutAck(t *testing.T) {
	h, tab := newHandler(4)
	now := time.Now()
	aliceHandle, aliceConn := login(h, tab, wire.NewPeerID([]byte("alice")), now)
	_, bobConn := login(h, tab, wire.NewPeerID([]byte("bob")), now)
	aliceConn.sent = nil
	bobConn.sent = nil

	body := wire.ConnectBody{
		Target: wire.NewPeerID([]byte("bob")),
		Header: wire.SignalingHeader{Sender: wire.NewPeerID([]byte("alice")), Target: wire.NewPeerID([]byte("bob"))},
	}
	h.HandleFrame(aliceHandle, wire.RelayFrame{Type: wire.RelayAnswer, Payload: body.Encode()}, now)

	if len(aliceConn.sent) != 0 {
		t.Fatalf("ANSWER must not ack the sender, got %+v", aliceConn.sent)
	}
	if len(bobConn.sent) != 1 || bobConn.sent[0].Type != wire.RelayForward {
		t.Fatalf("expected bob to receive a FORWARD, got %+v", bobConn.sent)
	}
}

func TestListExcludesCallerAndOffline(t *testing.T) {
	h, tab := newHandler(4)
	now := time.Now()
	aliceHandle, aliceConn := login(h, tab, wire.NewPeerID([]byte("alice")), now)
	login(h, tab, wire.NewPeerID([]byte("bob")), now)
	tab.FindOrAllocateOfflinePlaceholder(wire.NewPeerID([]byte("carol")), now)
	aliceConn.sent = nil

	h.HandleFrame(aliceHandle, wire.RelayFrame{Type: wire.RelayList}, now)
	if len(aliceConn.sent) != 1 || aliceConn.sent[0].Type != wire.RelayListRes {
		t.Fatalf("expected a LIST_RES, got %+v", aliceConn.sent)
	}
	if string(aliceConn.sent[0].Payload) != "bob" {
		t.Fatalf("LIST_RES = %q, want %q", aliceConn.sent[0].Payload, "bob")
	}
}

func TestHeartbeatUpdatesLastActiveOnly(t *testing.T) {
	h, tab := newHandler(4)
	now := time.Now()
	handle, conn := login(h, tab, wire.NewPeerID([]byte("alice")), now)
	conn.sent = nil

	h.HandleFrame(handle, wire.RelayFrame{Type: wire.RelayHeartbeat}, now.Add(time.Minute))
	if len(conn.sent) != 0 {
		t.Fatalf("HEARTBEAT should not produce a reply, got %+v", conn.sent)
	}
	c, _ := tab.Deref(handle)
	if !c.LastActive.Equal(now.Add(time.Minute)) {
		t.Fatalf("LastActive not updated by HEARTBEAT")
	}
}

func TestCloseFreesSlotAndClosesConn(t *testing.T) {
	h, tab := newHandler(1)
	now := time.Now()
	handle, conn := login(h, tab, wire.NewPeerID([]byte("alice")), now)
	_ = h
	tab.Close(handle)
	if !conn.closed {
		t.Fatalf("expected the connection to be closed")
	}
	if _, _, err := tab.Accept(&fakeConn{}, now); err != nil {
		t.Fatalf("slot should be reusable after close: %v", err)
	}
}
