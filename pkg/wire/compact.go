package wire

import "encoding/binary"

// Compact packet types. 0x01-0x7F is reserved for end-to-end P2P traffic the
// core does not parse; 0x80-0xBF is signaling and server-relay.
const (
	TypeRegister     uint8 = 0x80
	TypeRegisterAck  uint8 = 0x81
	TypePeerInfo     uint8 = 0x82
	TypePeerInfoAck  uint8 = 0x83
	TypeNATProbe     uint8 = 0x84
	TypeNATProbeAck  uint8 = 0x85
	TypeAlive        uint8 = 0x86
	TypeAliveAck     uint8 = 0x87
	TypeUnregister   uint8 = 0x88
	TypePeerOff      uint8 = 0x89
	TypeRelayData    uint8 = 0xA0
	TypeRelayAck     uint8 = 0xA1
)

// Flag bits. REGISTER_ACK and PEER_INFO each use bit 0x01 for an unrelated
// purpose; the two channels are independent per the design notes.
const (
	FlagRelaySupported uint8 = 0x01 // REGISTER_ACK: server can relay data
	FlagFinalFragment  uint8 = 0x01 // PEER_INFO: this is the final fragment
)

// Register-ack status codes.
const (
	StatusPeerOffline uint8 = 0
	StatusPeerOnline  uint8 = 1
	StatusTableFull   uint8 = 2
)

// HeaderSize is the fixed 4-octet compact packet header: type, flags, and a
// big-endian sequence number.
const HeaderSize = 4

// Header is the common prefix of every compact packet.
type Header struct {
	Type  uint8
	Flags uint8
	Seq   uint16
}

// Put encodes h into the first HeaderSize octets of b.
func (h Header) Put(b []byte) {
	b[0] = h.Type
	b[1] = h.Flags
	binary.BigEndian.PutUint16(b[2:4], h.Seq)
}

// Append appends the wire encoding of h to b.
func (h Header) Append(b []byte) []byte {
	var tmp [HeaderSize]byte
	h.Put(tmp[:])
	return append(b, tmp[:]...)
}

// DecodeHeader reads a Header from the start of b and returns it along with
// the remaining payload bytes.
func DecodeHeader(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, errShort("compact header")
	}
	h := Header{
		Type:  b[0],
		Flags: b[1],
		Seq:   binary.BigEndian.Uint16(b[2:4]),
	}
	return h, b[HeaderSize:], nil
}

// RegisterPacket is the REGISTER payload: a declared pair and the sender's
// offered candidates.
type RegisterPacket struct {
	LocalID    PeerID
	RemoteID   PeerID
	Candidates []Candidate
}

// DecodeRegister parses a REGISTER payload. A declared candidate count
// greater than MaxCandidates is silently truncated, per §4.2/§8.
func DecodeRegister(p []byte) (RegisterPacket, error) {
	if len(p) < PeerIDSize*2+1 {
		return RegisterPacket{}, errShort("register")
	}
	var r RegisterPacket
	copy(r.LocalID[:], p[0:32])
	copy(r.RemoteID[:], p[32:64])
	count := int(p[64])
	if count > MaxCandidates {
		count = MaxCandidates
	}
	rest := p[65:]
	if len(rest) < count*CandidateSize {
		return RegisterPacket{}, errShort("register candidates")
	}
	r.Candidates = DecodeCandidates(rest, count)
	return r, nil
}

// Encode serializes a REGISTER packet, truncating candidates to MaxCandidates.
func (r RegisterPacket) Encode(seq uint16) []byte {
	cands := r.Candidates
	if len(cands) > MaxCandidates {
		cands = cands[:MaxCandidates]
	}
	b := Header{Type: TypeRegister, Seq: seq}.Append(nil)
	b = append(b, r.LocalID[:]...)
	b = append(b, r.RemoteID[:]...)
	b = append(b, byte(len(cands)))
	b = AppendCandidates(b, cands)
	return b
}

// RegisterAckPacket is the REGISTER_ACK payload.
type RegisterAckPacket struct {
	Status     uint8
	MaxCands   uint8
	Public     [AddrSize]byte // encoded IPv4 endpoint
	ProbePort  uint16
}

// Encode serializes a REGISTER_ACK packet. relay sets FlagRelaySupported.
func (a RegisterAckPacket) Encode(relay bool) []byte {
	var flags uint8
	if relay {
		flags = FlagRelaySupported
	}
	b := Header{Type: TypeRegisterAck, Flags: flags}.Append(nil)
	b = append(b, a.Status, a.MaxCands)
	b = append(b, a.Public[:]...)
	b = append(b, byte(a.ProbePort>>8), byte(a.ProbePort))
	return b
}

// DecodeRegisterAck parses a REGISTER_ACK payload.
func DecodeRegisterAck(p []byte) (RegisterAckPacket, error) {
	if len(p) < 2+AddrSize+2 {
		return RegisterAckPacket{}, errShort("register_ack")
	}
	var a RegisterAckPacket
	a.Status = p[0]
	a.MaxCands = p[1]
	copy(a.Public[:], p[2:2+AddrSize])
	a.ProbePort = uint16(p[2+AddrSize])<<8 | uint16(p[3+AddrSize])
	return a, nil
}

// PeerInfoPacket is the PEER_INFO payload.
type PeerInfoPacket struct {
	SessionID  uint64
	BaseIndex  uint8
	Candidates []Candidate
}

// Encode serializes a PEER_INFO packet with seq and flags as given by the
// caller (seq=0 server-originated control packets vs. seq>0 relayed P2P
// packets share this same payload shape).
func (p PeerInfoPacket) Encode(seq uint16, flags uint8) []byte {
	cands := p.Candidates
	if len(cands) > MaxCandidates {
		cands = cands[:MaxCandidates]
	}
	b := Header{Type: TypePeerInfo, Seq: seq, Flags: flags}.Append(nil)
	var sid [8]byte
	binary.BigEndian.PutUint64(sid[:], p.SessionID)
	b = append(b, sid[:]...)
	b = append(b, p.BaseIndex, byte(len(cands)))
	b = AppendCandidates(b, cands)
	return b
}

// DecodePeerInfo parses a PEER_INFO payload.
func DecodePeerInfo(p []byte) (PeerInfoPacket, error) {
	if len(p) < 8+1+1 {
		return PeerInfoPacket{}, errShort("peer_info")
	}
	var out PeerInfoPacket
	out.SessionID = binary.BigEndian.Uint64(p[0:8])
	out.BaseIndex = p[8]
	count := int(p[9])
	if count > MaxCandidates {
		count = MaxCandidates
	}
	rest := p[10:]
	if len(rest) < count*CandidateSize {
		return PeerInfoPacket{}, errShort("peer_info candidates")
	}
	out.Candidates = DecodeCandidates(rest, count)
	return out, nil
}

// PeerInfoAckPacket is the PEER_INFO_ACK payload; the ack sequence number
// travels in the header's Seq field, capped at 16 per §4.4's sanity bound.
type PeerInfoAckPacket struct {
	SessionID uint64
}

// MaxAckSeq is the sanity bound applied to a PEER_INFO_ACK header's Seq.
const MaxAckSeq = 16

// Encode serializes a PEER_INFO_ACK packet.
func (a PeerInfoAckPacket) Encode(ackSeq uint16) []byte {
	b := Header{Type: TypePeerInfoAck, Seq: ackSeq}.Append(nil)
	var sid [8]byte
	binary.BigEndian.PutUint64(sid[:], a.SessionID)
	return append(b, sid[:]...)
}

// DecodePeerInfoAck parses a PEER_INFO_ACK payload.
func DecodePeerInfoAck(p []byte) (PeerInfoAckPacket, error) {
	if len(p) < 8 {
		return PeerInfoAckPacket{}, errShort("peer_info_ack")
	}
	return PeerInfoAckPacket{SessionID: binary.BigEndian.Uint64(p[0:8])}, nil
}

// NATProbeAckPacket is the NAT_PROBE_ACK payload: the observed source
// address, echoed back to the prober.
type NATProbeAckPacket struct {
	Observed [AddrSize]byte
}

// Encode serializes a NAT_PROBE_ACK, preserving seq from the triggering
// NAT_PROBE per §4.7.
func (a NATProbeAckPacket) Encode(seq uint16) []byte {
	b := Header{Type: TypeNATProbeAck, Seq: seq}.Append(nil)
	return append(b, a.Observed[:]...)
}

// AlivePacket is the ALIVE payload.
type AlivePacket struct {
	LocalID  PeerID
	RemoteID PeerID
}

// Encode serializes an ALIVE packet.
func (a AlivePacket) Encode() []byte {
	b := Header{Type: TypeAlive}.Append(nil)
	b = append(b, a.LocalID[:]...)
	return append(b, a.RemoteID[:]...)
}

// DecodeAlive parses an ALIVE (or UNREGISTER, same shape) payload.
func DecodeAlive(p []byte) (AlivePacket, error) {
	if len(p) < PeerIDSize*2 {
		return AlivePacket{}, errShort("alive")
	}
	var a AlivePacket
	copy(a.LocalID[:], p[0:32])
	copy(a.RemoteID[:], p[32:64])
	return a, nil
}

// EncodeAliveAck serializes an empty ALIVE_ACK packet.
func EncodeAliveAck() []byte {
	return Header{Type: TypeAliveAck}.Append(nil)
}

// PeerOffPacket is the PEER_OFF payload.
type PeerOffPacket struct {
	SessionID uint64
}

// Encode serializes a PEER_OFF packet.
func (p PeerOffPacket) Encode() []byte {
	b := Header{Type: TypePeerOff}.Append(nil)
	var sid [8]byte
	binary.BigEndian.PutUint64(sid[:], p.SessionID)
	return append(b, sid[:]...)
}

// SessionIDFromPrefix extracts the 8-octet big-endian session id prefix
// shared by PEER_INFO (seq>0), RELAY_DATA, and RELAY_ACK payloads.
func SessionIDFromPrefix(p []byte) (uint64, error) {
	if len(p) < 8 {
		return 0, errShort("session id prefix")
	}
	return binary.BigEndian.Uint64(p[0:8]), nil
}
