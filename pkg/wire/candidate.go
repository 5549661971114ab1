package wire

import "net/netip"

// CandidateKind is the type tag of a compact-mode candidate.
type CandidateKind uint8

const (
	CandidateHost  CandidateKind = 0
	CandidateSrflx CandidateKind = 1
	CandidateRelay CandidateKind = 2
	CandidatePrflx CandidateKind = 3
)

// CandidateSize is the packed wire size of one compact candidate.
const CandidateSize = 1 + AddrSize

// MaxCandidates is the maximum number of compact candidates carried or
// stored per pair; declared counts above this are truncated, per §4.2/§8.
const MaxCandidates = 32

// Candidate is one compact-mode hole-punching candidate: a kind tag plus an
// IPv4 endpoint.
type Candidate struct {
	Kind CandidateKind
	Addr netip.AddrPort
}

// AppendCandidate appends the 7-octet wire encoding of c to b.
func AppendCandidate(b []byte, c Candidate) []byte {
	b = append(b, byte(c.Kind))
	return AppendAddr(b, c.Addr)
}

// GetCandidate decodes one CandidateSize-octet candidate from b.
func GetCandidate(b []byte) Candidate {
	return Candidate{
		Kind: CandidateKind(b[0]),
		Addr: GetAddr(b[1:]),
	}
}

// DecodeCandidates decodes count candidates from b, which must be at least
// count*CandidateSize octets. count is not validated here; callers apply
// the MaxCandidates truncation documented in §4.2/§8.
func DecodeCandidates(b []byte, count int) []Candidate {
	cands := make([]Candidate, count)
	for i := 0; i < count; i++ {
		cands[i] = GetCandidate(b[i*CandidateSize:])
	}
	return cands
}

// AppendCandidates appends the wire encoding of every candidate in cands to b.
func AppendCandidates(b []byte, cands []Candidate) []byte {
	for _, c := range cands {
		b = AppendCandidate(b, c)
	}
	return b
}
