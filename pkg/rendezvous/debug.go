package rendezvous

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/wenpeng8019/rendezvous/pkg/registry"
	"github.com/wenpeng8019/rendezvous/pkg/relaysvc"
)

// dumpPair and dumpClient are the JSON-facing shapes for the /debug/dump
// snapshot; they exist separately from registry.Pair/relaysvc.Client so the
// wire layout of those packages is free to change without breaking the
// debug surface.
type dumpPair struct {
	Local      string `json:"local"`
	Remote     string `json:"remote"`
	SessionID  uint64 `json:"session_id"`
	Addr       string `json:"addr,omitempty"`
	LastActive string `json:"last_active"`
	Matched    bool   `json:"matched"`
}

type dumpClient struct {
	Name       string `json:"name"`
	Online     bool   `json:"online"`
	LastActive string `json:"last_active"`
	Cached     int    `json:"cached_candidates"`
}

type dumpSnapshot struct {
	Pairs   []dumpPair   `json:"pairs"`
	Clients []dumpClient `json:"clients"`
}

// snapshot takes a point-in-time copy of the pair and client tables for the
// debug dump endpoint. It runs on the HTTP goroutine, not the event loop, so
// it only reads fields that are safe to observe without synchronization: in
// practice this means accepting that a concurrent mutation on the owning
// goroutine may be missed or torn for a single field, which is acceptable
// for a debug-only snapshot.
func (s *Server) snapshot() dumpSnapshot {
	var out dumpSnapshot
	s.table.Range(func(_ registry.Handle, p *registry.Pair) {
		out.Pairs = append(out.Pairs, dumpPair{
			Local:      p.LocalID.String(),
			Remote:     p.RemoteID.String(),
			SessionID:  p.SessionID,
			Addr:       p.Addr.String(),
			LastActive: p.LastActive.UTC().Format(time.RFC3339),
			Matched:    !p.PeerRef.IsNone() && !p.PeerRef.IsBroken(),
		})
	})
	s.clients.Range(func(_ relaysvc.ClientHandle, c *relaysvc.Client) {
		out.Clients = append(out.Clients, dumpClient{
			Name:       c.Name.String(),
			Online:     c.Online,
			LastActive: c.LastActive.UTC().Format(time.RFC3339),
			Cached:     len(c.PendingCandidates),
		})
	})
	return out
}

// dumpHandler serves a gzip-compressed JSON snapshot of the registry and
// client table, mirroring the teacher's debug pprof mux but scoped to this
// server's own state rather than a packet-level trace.
func (s *Server) dumpHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "gzip")

	gw := gzip.NewWriter(w)
	defer gw.Close()

	if err := json.NewEncoder(gw).Encode(s.snapshot()); err != nil {
		s.Log.Debug().Err(err).Msg("debug dump encode failed")
	}
}

// DebugHandler exposes the /debug/dump snapshot for mounting on an external
// mux (cmd/rendezvous wires this alongside pprof and /metrics).
func (s *Server) DebugHandler() http.HandlerFunc {
	return s.dumpHandler
}
