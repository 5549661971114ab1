package wire

import (
	"net/netip"
)

// AddrSize is the encoded size of an IPv4 endpoint: a 4-octet address
// followed by a 2-octet port, both network (big-endian) order.
const AddrSize = 4 + 2

// PutAddr encodes ap into b (which must be at least AddrSize long) as a
// network-order IPv4 address and port. ap must hold an IPv4 (or 4-in-6
// mapped) address; callers are expected to have rejected IPv6 earlier, per
// the IPv6 Non-goal.
func PutAddr(b []byte, ap netip.AddrPort) {
	a4 := ap.Addr().As4()
	copy(b[0:4], a4[:])
	b[4] = byte(ap.Port() >> 8)
	b[5] = byte(ap.Port())
}

// AppendAddr appends the wire encoding of ap to b and returns the result.
func AppendAddr(b []byte, ap netip.AddrPort) []byte {
	var tmp [AddrSize]byte
	PutAddr(tmp[:], ap)
	return append(b, tmp[:]...)
}

// GetAddr decodes an AddrSize-octet network-order IPv4 endpoint from b.
func GetAddr(b []byte) netip.AddrPort {
	var a4 [4]byte
	copy(a4[:], b[0:4])
	port := uint16(b[4])<<8 | uint16(b[5])
	return netip.AddrPortFrom(netip.AddrFrom4(a4), port)
}
