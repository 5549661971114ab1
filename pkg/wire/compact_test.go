package wire

import (
	"net/netip"
	"testing"
)

func mustAddr(s string) netip.AddrPort {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		panic(err)
	}
	return ap
}

func TestAddrRoundTrip(t *testing.T) {
	for _, s := range []string{"1.1.1.1:1000", "255.255.255.255:65535", "0.0.0.0:0"} {
		ap := mustAddr(s)
		var b [AddrSize]byte
		PutAddr(b[:], ap)
		got := GetAddr(b[:])
		if got != ap {
			t.Errorf("PutAddr/GetAddr(%s): got %s", s, got)
		}
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	r := RegisterPacket{
		LocalID:  NewPeerID([]byte("alice")),
		RemoteID: NewPeerID([]byte("bob")),
		Candidates: []Candidate{
			{Kind: CandidateHost, Addr: mustAddr("10.0.0.1:1000")},
		},
	}
	b := r.Encode(0)

	h, rest, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.Type != TypeRegister {
		t.Fatalf("Type = %#x, want %#x", h.Type, TypeRegister)
	}

	got, err := DecodeRegister(rest)
	if err != nil {
		t.Fatalf("DecodeRegister: %v", err)
	}
	if got.LocalID != r.LocalID || got.RemoteID != r.RemoteID {
		t.Fatalf("ids mismatch: got %+v", got)
	}
	if len(got.Candidates) != 1 || got.Candidates[0] != r.Candidates[0] {
		t.Fatalf("candidates mismatch: got %+v", got.Candidates)
	}
}

func TestRegisterTruncatesCandidates(t *testing.T) {
	var cands []Candidate
	for i := 0; i < MaxCandidates+10; i++ {
		cands = append(cands, Candidate{Kind: CandidateHost, Addr: mustAddr("10.0.0.1:1000")})
	}
	r := RegisterPacket{Candidates: cands}
	b := r.Encode(0)
	_, rest, _ := DecodeHeader(b)
	got, err := DecodeRegister(rest)
	if err != nil {
		t.Fatalf("DecodeRegister: %v", err)
	}
	if len(got.Candidates) != MaxCandidates {
		t.Fatalf("len(Candidates) = %d, want %d", len(got.Candidates), MaxCandidates)
	}
}

func TestRegisterZeroCandidatesAccepted(t *testing.T) {
	r := RegisterPacket{LocalID: NewPeerID([]byte("a")), RemoteID: NewPeerID([]byte("b"))}
	b := r.Encode(0)
	_, rest, _ := DecodeHeader(b)
	got, err := DecodeRegister(rest)
	if err != nil {
		t.Fatalf("DecodeRegister: %v", err)
	}
	if len(got.Candidates) != 0 {
		t.Fatalf("len(Candidates) = %d, want 0", len(got.Candidates))
	}
}

func TestPeerInfoRoundTrip(t *testing.T) {
	p := PeerInfoPacket{
		SessionID: 0x0102030405060708,
		BaseIndex: 0,
		Candidates: []Candidate{
			{Kind: CandidateSrflx, Addr: mustAddr("2.2.2.2:2000")},
			{Kind: CandidateHost, Addr: mustAddr("10.0.0.2:2000")},
		},
	}
	b := p.Encode(0, FlagFinalFragment)
	h, rest, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.Flags != FlagFinalFragment {
		t.Fatalf("Flags = %#x", h.Flags)
	}
	got, err := DecodePeerInfo(rest)
	if err != nil {
		t.Fatalf("DecodePeerInfo: %v", err)
	}
	if got.SessionID != p.SessionID || got.BaseIndex != p.BaseIndex {
		t.Fatalf("got %+v", got)
	}
	if len(got.Candidates) != 2 {
		t.Fatalf("len(Candidates) = %d", len(got.Candidates))
	}
}

func TestPeerInfoAckRoundTrip(t *testing.T) {
	a := PeerInfoAckPacket{SessionID: 42}
	b := a.Encode(0)
	h, rest, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.Seq != 0 {
		t.Fatalf("Seq = %d, want 0", h.Seq)
	}
	got, err := DecodePeerInfoAck(rest)
	if err != nil {
		t.Fatalf("DecodePeerInfoAck: %v", err)
	}
	if got.SessionID != 42 {
		t.Fatalf("SessionID = %d", got.SessionID)
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	if _, _, err := DecodeHeader([]byte{1, 2}); !IsInvalidFrame(err) {
		t.Fatalf("expected InvalidFrame, got %v", err)
	}
}

func TestSessionIDFromPrefix(t *testing.T) {
	var buf [16]byte
	buf[7] = 0xFF // session id = 255 in the low byte of the big-endian 8-octet prefix
	sid, err := SessionIDFromPrefix(buf[:])
	if err != nil {
		t.Fatalf("SessionIDFromPrefix: %v", err)
	}
	if sid != 255 {
		t.Fatalf("sid = %d, want 255", sid)
	}
	if _, err := SessionIDFromPrefix(buf[:4]); !IsInvalidFrame(err) {
		t.Fatalf("expected InvalidFrame for short prefix")
	}
}
