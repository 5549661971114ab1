package wire

// PeerIDSize is the fixed on-wire and in-memory width of a peer identifier.
// Trailing NUL is permitted; equality is a full byte compare over all 32
// octets, so short names are expected to be zero-padded by the caller.
const PeerIDSize = 32

// PeerID is an opaque peer identifier. The zero value is the all-NUL
// identifier; pkg/relaysvc uses it to mean "no peer" in Client.CurrentPeer
// and Client.PendingSender.
type PeerID [PeerIDSize]byte

// NewPeerID copies up to PeerIDSize octets of s into a zero-padded PeerID.
// Longer inputs are truncated, matching the "at most 32 octets" contract in
// the data model.
func NewPeerID(s []byte) PeerID {
	var id PeerID
	n := copy(id[:], s)
	_ = n
	return id
}

// String trims trailing NULs for display purposes only; it is never used
// for equality.
func (id PeerID) String() string {
	n := len(id)
	for n > 0 && id[n-1] == 0 {
		n--
	}
	return string(id[:n])
}

// CandidateBlobSize is the width of one opaque relay-mode candidate blob
// (a fixed struct mixing integers and a sockaddr_in on the original
// implementation; the core never parses its contents).
const CandidateBlobSize = 32
