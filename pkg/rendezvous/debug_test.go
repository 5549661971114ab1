package rendezvous

import (
	"compress/gzip"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wenpeng8019/rendezvous/pkg/wire"
)

func TestDumpHandlerReportsPairsAndClients(t *testing.T) {
	s, _ := newTestServer(t)
	now := time.Now()

	alice := wire.NewPeerID([]byte("alice"))
	bob := wire.NewPeerID([]byte("bob"))
	ha, pa, _ := s.table.Insert(alice, bob, now)
	hb, _, _ := s.table.Insert(bob, alice, now)
	pa.PeerRef = hb
	s.table.AssignSession(ha)

	if _, _, err := s.clients.Accept(&fakeRelayConn{}, now); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/debug/dump", nil)
	s.dumpHandler(rec, req)

	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}

	gr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gr.Close()

	var snap dumpSnapshot
	if err := json.NewDecoder(gr).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}

	if len(snap.Pairs) != 2 {
		t.Fatalf("expected 2 pairs, got %d", len(snap.Pairs))
	}
	if snap.Pairs[0].Local != alice.String() {
		t.Fatalf("pair local = %q, want %q", snap.Pairs[0].Local, alice.String())
	}
	if !snap.Pairs[0].Matched {
		t.Fatalf("expected pair to be reported matched")
	}
	if len(snap.Clients) != 1 {
		t.Fatalf("expected 1 client, got %d", len(snap.Clients))
	}
	if !snap.Clients[0].Online {
		t.Fatalf("expected the accepted client to be online")
	}
}
