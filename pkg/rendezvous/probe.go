package rendezvous

import (
	"errors"
	"net"
	"net/netip"

	"github.com/rs/zerolog"

	"github.com/wenpeng8019/rendezvous/pkg/wire"
)

// buildProbeAck implements the pure decision of §4.7: given one datagram
// and its observed source, decide whether it is a well-formed NAT_PROBE and
// if so produce the NAT_PROBE_ACK bytes to send back. No state is kept
// across calls.
func buildProbeAck(data []byte, from netip.AddrPort) ([]byte, bool) {
	hdr, _, err := wire.DecodeHeader(data)
	if err != nil || hdr.Type != wire.TypeNATProbe {
		return nil, false
	}
	var observed [wire.AddrSize]byte
	wire.PutAddr(observed[:], from)
	return wire.NATProbeAckPacket{Observed: observed}.Encode(hdr.Seq), true
}

// ProbeResponder is the standalone C9 listener: stateless, with no channel
// back into the main event loop, since every request is answered entirely
// from its own bytes.
type ProbeResponder struct {
	conn    *net.UDPConn
	log     zerolog.Logger
	metrics *Metrics
}

// ListenProbe binds the probe UDP port. addr is typically ":<port>" to bind
// INADDR_ANY per spec.md §6.
func ListenProbe(addr string, log zerolog.Logger, m *Metrics) (*ProbeResponder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, err
	}
	return &ProbeResponder{conn: conn, log: log.With().Str("component", "probe").Logger(), metrics: m}, nil
}

// Close releases the bound socket; Serve returns once this is called.
func (p *ProbeResponder) Close() error {
	return p.conn.Close()
}

// Serve reads datagrams until the socket is closed, answering each
// NAT_PROBE in place. It never blocks the main event loop: callers run it
// in its own goroutine.
func (p *ProbeResponder) Serve() {
	buf := make([]byte, 2048)
	for {
		n, from, err := p.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			p.log.Debug().Err(err).Msg("probe read error")
			continue
		}
		reply, ok := buildProbeAck(buf[:n], from)
		if !ok {
			continue
		}
		if p.metrics != nil {
			p.metrics.ProbeRequest()
		}
		if _, err := p.conn.WriteToUDPAddrPort(reply, from); err != nil {
			p.log.Debug().Err(err).Msg("probe write error")
		}
	}
}
