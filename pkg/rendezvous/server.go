package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/wenpeng8019/rendezvous/pkg/compactsvc"
	"github.com/wenpeng8019/rendezvous/pkg/registry"
	"github.com/wenpeng8019/rendezvous/pkg/relaysvc"
	"github.com/wenpeng8019/rendezvous/pkg/wire"
)

// Cleanup and retransmit cadences from spec.md §4.6. RetransmitPeriod also
// stands in for §5's "one-second maximum dwell": the select loop below
// always has this ticker as a case, so it wakes at least this often even
// under zero traffic.
const (
	PairTTL          = 90 * time.Second
	ClientTTL        = 60 * time.Second
	CleanupPeriod    = 10 * time.Second
	RetransmitPeriod = 1 * time.Second

	eventQueueDepth = 1024
)

// Server wires the registry, client table, compact and relay handlers, and
// the bound sockets into the single owning goroutine described in
// SPEC_FULL.md's concurrency section: Run is the only place that ever
// touches the registry, queue, or client table.
type Server struct {
	Cfg     Config
	Log     zerolog.Logger
	Metrics *Metrics

	table   *registry.Table
	queue   *registry.Queue
	clients *relaysvc.Table
	compact *compactsvc.Handler
	relay   *relaysvc.Handler

	udpConn  *net.UDPConn
	listener *net.TCPListener
	probe    *ProbeResponder

	// send is the current compact-packet transmit path. It starts as a
	// no-op (no socket bound yet) and Run repoints it at the bound socket;
	// tests substitute their own capturing func without needing a real
	// socket, since the cleanup/retransmit passes below always go through
	// this indirection rather than touching udpConn directly.
	send compactsvc.SendFunc

	events chan any
}

// NewServer validates cfg and constructs a Server ready for Run. It does
// not bind any sockets yet; that happens in Run so a failed bind can be
// reported through the same error path as any other startup failure.
func NewServer(cfg Config, log zerolog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := NewMetrics()
	table := registry.NewTable(cfg.PairCapacity)
	queue := registry.NewQueue()
	clients := relaysvc.NewTable(cfg.ClientCapacity)

	s := &Server{
		Cfg:     cfg,
		Log:     log,
		Metrics: m,
		table:   table,
		queue:   queue,
		clients: clients,
		events:  make(chan any, eventQueueDepth),
	}
	s.send = func(netip.AddrPort, []byte) {} // overwritten by Run once the socket is bound

	compactLog := log.With().Str("component", "compactsvc").Logger()
	s.compact = &compactsvc.Handler{
		Table: table,
		Queue: queue,
		Send:  func(addr netip.AddrPort, b []byte) { s.send(addr, b) },
		Cfg:   compactsvc.Config{ProbePort: cfg.ProbePort, RelaySupport: cfg.RelaySupport},
		Log:   compactLog,
	}

	relayLog := log.With().Str("component", "relaysvc").Logger()
	s.relay = &relaysvc.Handler{Table: clients, Log: relayLog}

	return s, nil
}

// socketSend is the real transmit path, wired up by Run once the UDP
// socket is bound.
func (s *Server) socketSend(addr netip.AddrPort, b []byte) {
	if len(b) >= wire.HeaderSize {
		s.Metrics.CompactTx(b[0])
	}
	if _, err := s.udpConn.WriteToUDPAddrPort(b, addr); err != nil {
		s.Log.Debug().Err(err).Stringer("to", addrStringer{addr}).Msg("compact send failed")
	}
}

type addrStringer struct{ a netip.AddrPort }

func (a addrStringer) String() string { return a.a.String() }

// Run binds the main port's UDP and TCP sockets (and, if configured, the
// probe port) and drives the event loop until ctx is canceled. It returns
// nil on a clean signal-triggered shutdown, or a non-zero error on a
// FatalIO bind/listen failure (§7).
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.Cfg.Port)
	lc := net.ListenConfig{Control: controlReuseAddr}

	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return fmt.Errorf("bind udp port %d: %w", s.Cfg.Port, err)
	}
	s.udpConn = pc.(*net.UDPConn)

	ln, err := lc.Listen(ctx, "tcp4", addr)
	if err != nil {
		s.udpConn.Close()
		return fmt.Errorf("bind tcp port %d: %w", s.Cfg.Port, err)
	}
	s.listener = ln.(*net.TCPListener)
	s.send = s.socketSend

	if s.Cfg.ProbePort != 0 {
		probeAddr := fmt.Sprintf(":%d", s.Cfg.ProbePort)
		s.probe, err = ListenProbe(probeAddr, s.Log, s.Metrics)
		if err != nil {
			s.udpConn.Close()
			s.listener.Close()
			return fmt.Errorf("bind probe port %d: %w", s.Cfg.ProbePort, err)
		}
		go s.probe.Serve()
	}

	s.Log.Info().
		Uint16("port", s.Cfg.Port).
		Uint16("probe_port", s.Cfg.ProbePort).
		Bool("relay_support", s.Cfg.RelaySupport).
		Msg("rendezvous server listening")

	go s.readUDP(ctx)
	go s.acceptTCP(ctx)

	cleanupTicker := time.NewTicker(CleanupPeriod)
	defer cleanupTicker.Stop()
	retransmitTicker := time.NewTicker(RetransmitPeriod)
	defer retransmitTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev := <-s.events:
			s.handleEvent(ev, time.Now())
		case now := <-cleanupTicker.C:
			s.runCleanup(now)
		case now := <-retransmitTicker.C:
			if s.queue.Len() > 0 {
				s.runRetransmit(now)
			}
		}
	}
}

// readUDP decodes nothing: it only copies datagrams off the socket and
// forwards them as events, keeping all state mutation on the owning
// goroutine.
func (s *Server) readUDP(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		n, from, err := s.udpConn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.Log.Debug().Err(err).Msg("udp read error")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case s.events <- udpPacketEvent{from: from, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) acceptTCP(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.Log.Debug().Err(err).Msg("tcp accept error")
			continue
		}
		select {
		case s.events <- tcpAcceptedEvent{conn: conn}:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// readTCPFrames runs for the lifetime of one accepted connection using the
// length-prefixed FrameReader discipline (§9 open question, resolved to
// option (a): accumulate across reads, never abort on a short read).
func (s *Server) readTCPFrames(ctx context.Context, conn net.Conn, handle relaysvc.ClientHandle) {
	fr := wire.NewFrameReader(conn)
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			select {
			case s.events <- tcpClosedEvent{client: handle}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case s.events <- tcpFrameEvent{client: handle, frame: f}:
		case <-ctx.Done():
			return
		}
	}
}

type udpPacketEvent struct {
	from netip.AddrPort
	data []byte
}

type tcpAcceptedEvent struct {
	conn net.Conn
}

type tcpFrameEvent struct {
	client relaysvc.ClientHandle
	frame  wire.RelayFrame
}

type tcpClosedEvent struct {
	client relaysvc.ClientHandle
}

// relayConn adapts a net.Conn to relaysvc.Conn, encoding every send with
// the relay frame format.
type relayConn struct {
	conn net.Conn
}

func (c *relayConn) Send(f wire.RelayFrame) error { return wire.WriteFrame(c.conn, f) }
func (c *relayConn) Close() error                 { return c.conn.Close() }

func (s *Server) handleEvent(ev any, now time.Time) {
	switch e := ev.(type) {
	case udpPacketEvent:
		if len(e.data) >= wire.HeaderSize {
			s.Metrics.CompactRx(e.data[0])
		}
		s.compact.HandlePacket(e.from, e.data, now)
	case tcpAcceptedEvent:
		s.handleTCPAccepted(e.conn, now)
	case tcpFrameEvent:
		s.Metrics.RelayRx(e.frame.Type)
		s.relay.HandleFrame(e.client, e.frame, now)
	case tcpClosedEvent:
		s.clients.Close(e.client)
	}
}

func (s *Server) handleTCPAccepted(conn net.Conn, now time.Time) {
	handle, _, err := s.clients.Accept(&relayConn{conn: conn}, now)
	if err != nil {
		conn.Close()
		return
	}
	ctx := context.Background() // bounded by the connection's own lifetime, not the server's
	go s.readTCPFrames(ctx, conn, handle)
}

// runCleanup is the §4.6 periodic maintenance pass: release pairs past
// PairTTL (notifying a still-linked sibling with PEER_OFF) and close
// client slots past ClientTTL.
func (s *Server) runCleanup(now time.Time) {
	var stalePairs []registry.Handle
	s.table.Range(func(h registry.Handle, p *registry.Pair) {
		if now.Sub(p.LastActive) > PairTTL {
			stalePairs = append(stalePairs, h)
		}
	})
	for _, h := range stalePairs {
		p, ok := s.table.Deref(h)
		if !ok {
			continue
		}
		if sib, sok := s.table.Deref(p.PeerRef); sok {
			s.send(sib.Addr, wire.PeerOffPacket{SessionID: sib.SessionID}.Encode())
		}
		s.queue.Remove(h)
		s.table.Release(h)
	}

	var staleClients []relaysvc.ClientHandle
	s.clients.Range(func(h relaysvc.ClientHandle, c *relaysvc.Client) {
		if now.Sub(c.LastActive) > ClientTTL {
			staleClients = append(staleClients, h)
		}
	})
	for _, h := range staleClients {
		s.clients.Close(h)
	}

	s.refreshGauges()
}

func (s *Server) refreshGauges() {
	pairs, online, cached := 0, 0, 0
	s.table.Range(func(registry.Handle, *registry.Pair) { pairs++ })
	s.clients.Range(func(_ relaysvc.ClientHandle, c *relaysvc.Client) {
		if c.Online {
			online++
		} else if len(c.PendingCandidates) > 0 {
			cached++
		}
	})
	s.Metrics.SetGauges(pairs, online, cached)
}

// runRetransmit drives C4's bounded-retry scan.
func (s *Server) runRetransmit(now time.Time) {
	s.queue.Scan(s.table, now, s.resendInfo0, s.giveUpInfo0)
}

// resendInfo0 re-derives the PEER_INFO(seq=0) body from the sibling's
// current candidates and address at send time (§8 property 5), never from
// a cached copy of the originally-sent bytes.
func (s *Server) resendInfo0(h registry.Handle, p *registry.Pair) {
	sib, ok := s.table.Deref(p.PeerRef)
	if !ok {
		return
	}
	var cands []wire.Candidate
	if p.PendingBaseIndex == 0 {
		cands = append([]wire.Candidate{{Kind: wire.CandidateSrflx, Addr: sib.Addr}}, sib.Candidates...)
	} else {
		cands = []wire.Candidate{{Kind: wire.CandidateSrflx, Addr: sib.Addr}}
	}
	body := wire.PeerInfoPacket{SessionID: p.SessionID, BaseIndex: p.PendingBaseIndex, Candidates: cands}
	s.send(p.Addr, body.Encode(0, wire.FlagFinalFragment))
	s.Metrics.RetransmitAttempt()
}

func (s *Server) giveUpInfo0(h registry.Handle, p *registry.Pair) {
	s.Metrics.RetransmitGiveUp()
}

// shutdown implements the "listeners close before draining state" ordering
// from SPEC_FULL's supplemented shutdown behavior: stop accepting new work
// first, then release every pair and client with no further notification
// (peers will independently time out or re-register against a fresh
// instance).
func (s *Server) shutdown() {
	s.Log.Info().Msg("shutting down: closing listeners")
	s.udpConn.Close()
	s.listener.Close()
	if s.probe != nil {
		s.probe.Close()
	}

	var pairs []registry.Handle
	s.table.Range(func(h registry.Handle, p *registry.Pair) { pairs = append(pairs, h) })
	for _, h := range pairs {
		s.queue.Remove(h)
		s.table.Release(h)
	}

	var clients []relaysvc.ClientHandle
	s.clients.Range(func(h relaysvc.ClientHandle, c *relaysvc.Client) { clients = append(clients, h) })
	for _, h := range clients {
		s.clients.Close(h)
	}
}
