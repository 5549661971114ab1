package wire

import (
	"bufio"
	"encoding/binary"
	"io"
)

// RelayMagic is the 4-octet magic prefix of every relay frame: the ASCII
// bytes "P2P0".
const RelayMagic uint32 = 0x50325030

// RelayHeaderSize is the fixed framing prefix: magic(4) + type(1) + length(4).
const RelayHeaderSize = 4 + 1 + 4

// MaxRelayPayload bounds a single relay frame body. Anything larger closes
// the connection per §4.5's oversized-payload disposition.
const MaxRelayPayload = 65536

// Relay frame types, carried in the framing header.
const (
	RelayLogin      uint8 = 1
	RelayLoginAck   uint8 = 2
	RelayList       uint8 = 3
	RelayListRes    uint8 = 4
	RelayConnect    uint8 = 5
	RelayOffer      uint8 = 6
	RelayAnswer     uint8 = 7
	RelayForward    uint8 = 8
	RelayHeartbeat  uint8 = 9
	RelayConnectAck uint8 = 10
)

// RelayFrame is one decoded length-prefixed frame from a relay-mode TCP
// connection.
type RelayFrame struct {
	Type    uint8
	Payload []byte
}

// length field endianness: the original packed C struct had no explicit
// byte-swap, so on a little-endian source host the length travels on the
// wire as little-endian. This implementation fixes that behavior rather
// than "correcting" it, per the design notes' open question, so it
// interoperates with the original's framing.
var relayLengthOrder = binary.LittleEndian

// WriteFrame writes f to w using the relay framing.
func WriteFrame(w io.Writer, f RelayFrame) error {
	var hdr [RelayHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], RelayMagic)
	hdr[4] = f.Type
	relayLengthOrder.PutUint32(hdr[5:9], uint32(len(f.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.Payload) == 0 {
		return nil
	}
	_, err := w.Write(f.Payload)
	return err
}

// FrameReader accumulates bytes from a TCP connection across multiple reads
// into complete relay frames, resolving the "partial TCP read" open
// question in favor of a single framed-reader discipline (option (a) in
// the design notes) rather than aborting the connection on a short read.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for framed reading.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 4096)}
}

// ReadFrame reads and returns the next complete frame, blocking (at the
// caller's goroutine, not the event loop) until the header and full payload
// have arrived, or an error occurs. A bad magic or oversized length is
// returned as a *FrameError; any other error (including io.EOF) is a
// transport error.
func (fr *FrameReader) ReadFrame() (RelayFrame, error) {
	var hdr [RelayHeaderSize]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return RelayFrame{}, err
	}
	if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != RelayMagic {
		return RelayFrame{}, errMagic("relay frame")
	}
	length := relayLengthOrder.Uint32(hdr[5:9])
	if length > MaxRelayPayload {
		return RelayFrame{}, errCount("relay frame too large")
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return RelayFrame{}, err
		}
	}
	return RelayFrame{Type: hdr[4], Payload: payload}, nil
}

// SignalingHeaderSize is the fixed portion of a CONNECT/ANSWER/OFFER/FORWARD
// payload that precedes the candidate blobs.
const SignalingHeaderSize = 32 + 32 + 4 + 4 + 4

// SignalingHeader is the fixed 76-octet header embedded in relay
// CONNECT/ANSWER bodies and forwarded unchanged to the OFFER/FORWARD
// recipient.
type SignalingHeader struct {
	Sender       PeerID
	Target       PeerID
	Timestamp    uint32
	DelayTrigger uint32
	Count        uint32
}

// Append appends the wire encoding of h to b.
func (h SignalingHeader) Append(b []byte) []byte {
	b = append(b, h.Sender[:]...)
	b = append(b, h.Target[:]...)
	var tmp [12]byte
	binary.BigEndian.PutUint32(tmp[0:4], h.Timestamp)
	binary.BigEndian.PutUint32(tmp[4:8], h.DelayTrigger)
	binary.BigEndian.PutUint32(tmp[8:12], h.Count)
	return append(b, tmp[:]...)
}

// DecodeSignalingHeader parses a SignalingHeader from the start of p.
func DecodeSignalingHeader(p []byte) (SignalingHeader, error) {
	if len(p) < SignalingHeaderSize {
		return SignalingHeader{}, errShort("signaling header")
	}
	var h SignalingHeader
	copy(h.Sender[:], p[0:32])
	copy(h.Target[:], p[32:64])
	h.Timestamp = binary.BigEndian.Uint32(p[64:68])
	h.DelayTrigger = binary.BigEndian.Uint32(p[68:72])
	h.Count = binary.BigEndian.Uint32(p[72:76])
	return h, nil
}

// ConnectBody is the decoded CONNECT/ANSWER request body: the routing
// target name, the embedded signaling header, and opaque candidate blobs.
type ConnectBody struct {
	Target     PeerID
	Header     SignalingHeader
	Candidates [][CandidateBlobSize]byte
}

// MaxConnectCandidates caps the candidate count accepted at the codec
// level, matching the defence-in-depth count bound in §4.1.
const MaxConnectCandidates = 200

// DecodeConnectBody parses a CONNECT or ANSWER frame payload.
func DecodeConnectBody(p []byte) (ConnectBody, error) {
	if len(p) < PeerIDSize {
		return ConnectBody{}, errShort("connect target")
	}
	var body ConnectBody
	copy(body.Target[:], p[0:PeerIDSize])

	hdr, err := DecodeSignalingHeader(p[PeerIDSize:])
	if err != nil {
		return ConnectBody{}, err
	}
	body.Header = hdr

	if hdr.Count > MaxConnectCandidates {
		return ConnectBody{}, errCount("connect candidate count")
	}
	rest := p[PeerIDSize+SignalingHeaderSize:]
	need := int(hdr.Count) * CandidateBlobSize
	if len(rest) < need {
		return ConnectBody{}, errShort("connect candidates")
	}
	body.Candidates = make([][CandidateBlobSize]byte, hdr.Count)
	for i := range body.Candidates {
		copy(body.Candidates[i][:], rest[i*CandidateBlobSize:])
	}
	return body, nil
}

// Encode serializes a CONNECT/ANSWER frame payload (without the outer
// frame header).
func (b ConnectBody) Encode() []byte {
	out := make([]byte, 0, PeerIDSize+SignalingHeaderSize+len(b.Candidates)*CandidateBlobSize)
	out = append(out, b.Target[:]...)
	out = b.Header.Append(out)
	for _, c := range b.Candidates {
		out = append(out, c[:]...)
	}
	return out
}

// ForwardedBody is the decoded OFFER/FORWARD payload delivered to the
// target client: the original sender plus the unmodified signaling
// header and candidates from the triggering CONNECT/ANSWER.
type ForwardedBody struct {
	Sender     PeerID
	Header     SignalingHeader
	Candidates [][CandidateBlobSize]byte
}

// Encode serializes an OFFER/FORWARD frame payload.
func (f ForwardedBody) Encode() []byte {
	out := make([]byte, 0, PeerIDSize+SignalingHeaderSize+len(f.Candidates)*CandidateBlobSize)
	out = append(out, f.Sender[:]...)
	out = f.Header.Append(out)
	for _, c := range f.Candidates {
		out = append(out, c[:]...)
	}
	return out
}

// DecodeForwardedBody parses an OFFER/FORWARD frame payload, as received by
// a client on the other end of the relay connection.
func DecodeForwardedBody(p []byte) (ForwardedBody, error) {
	if len(p) < PeerIDSize {
		return ForwardedBody{}, errShort("forwarded sender")
	}
	var f ForwardedBody
	copy(f.Sender[:], p[0:PeerIDSize])

	hdr, err := DecodeSignalingHeader(p[PeerIDSize:])
	if err != nil {
		return ForwardedBody{}, err
	}
	f.Header = hdr

	if hdr.Count > MaxConnectCandidates {
		return ForwardedBody{}, errCount("forwarded candidate count")
	}
	rest := p[PeerIDSize+SignalingHeaderSize:]
	need := int(hdr.Count) * CandidateBlobSize
	if len(rest) < need {
		return ForwardedBody{}, errShort("forwarded candidates")
	}
	f.Candidates = make([][CandidateBlobSize]byte, hdr.Count)
	for i := range f.Candidates {
		copy(f.Candidates[i][:], rest[i*CandidateBlobSize:])
	}
	return f, nil
}

// ConnectAckBody is the CONNECT_ACK response body.
type ConnectAckBody struct {
	Status          uint8
	CandidatesAcked uint8
}

// Connect-ack status codes.
const (
	ConnectAckOK         uint8 = 0
	ConnectAckCachedSome uint8 = 1
	ConnectAckCachedFull uint8 = 2
)

// Encode serializes a CONNECT_ACK frame payload.
func (a ConnectAckBody) Encode() []byte {
	return []byte{a.Status, a.CandidatesAcked, 0, 0}
}

// LoginBody is the LOGIN frame payload: the client's chosen name.
type LoginBody struct {
	Name PeerID
}

// Encode serializes a LOGIN frame payload.
func (l LoginBody) Encode() []byte {
	b := make([]byte, PeerIDSize)
	copy(b, l.Name[:])
	return b
}

// DecodeLoginBody parses a LOGIN frame payload.
func DecodeLoginBody(p []byte) (LoginBody, error) {
	if len(p) < PeerIDSize {
		return LoginBody{}, errShort("login")
	}
	var l LoginBody
	copy(l.Name[:], p[0:PeerIDSize])
	return l, nil
}

// MaxListResponse bounds the LIST_RES body, matching the source's 1024-octet
// response buffer.
const MaxListResponse = 1024

// EncodeListRes builds a LIST_RES payload from names, comma-joining and
// truncating at the MaxListResponse boundary (emitting the prefix that
// fits, per the Unroutable disposition in §7).
func EncodeListRes(names []string) []byte {
	var out []byte
	for i, n := range names {
		add := n
		if i > 0 {
			add = "," + add
		}
		if len(out)+len(add) > MaxListResponse {
			break
		}
		out = append(out, add...)
	}
	return out
}
