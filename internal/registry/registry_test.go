package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/duskmesh/core/internal/cryptosuite"
)

func mustEntry(t *testing.T, addr string) Entry {
	t.Helper()
	pub, _, err := cryptosuite.SignKeygen()
	if err != nil {
		t.Fatalf("sign keygen: %v", err)
	}
	kpub, _, err := cryptosuite.KEMKeygen()
	if err != nil {
		t.Fatalf("kem keygen: %v", err)
	}
	return Entry{Identity: pub, Encapsulation: kpub, Address: addr}
}

func TestPollerRefreshPublishesSnapshot(t *testing.T) {
	e1 := mustEntry(t, "node1:4001")
	e2 := mustEntry(t, "node2:4001")
	oracle := NewStaticOracle([]Entry{e1, e2})
	poller := NewPoller(oracle, time.Hour)

	if poller.Current() != nil {
		t.Fatalf("expected nil snapshot before first refresh")
	}
	snap, err := poller.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(snap.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap.Entries))
	}
	if poller.Current() != snap {
		t.Fatalf("expected Current to return the just-fetched snapshot")
	}
}

func TestSnapshotByIdentity(t *testing.T) {
	e1 := mustEntry(t, "node1:4001")
	snap := Snapshot{Entries: []Entry{e1}}
	got, ok := snap.ByIdentity(e1.ID())
	if !ok {
		t.Fatalf("expected to find entry by its own id")
	}
	if got.Address != e1.Address {
		t.Fatalf("got address %q, want %q", got.Address, e1.Address)
	}
}

func TestAsRegistryPeersPreservesIdentity(t *testing.T) {
	e1 := mustEntry(t, "node1:4001")
	snap := Snapshot{Entries: []Entry{e1}}
	peers := snap.AsRegistryPeers()
	if len(peers) != 1 || peers[0].ID != e1.ID() || peers[0].Address != e1.Address {
		t.Fatalf("AsRegistryPeers did not preserve entry identity/address")
	}
}

func TestHTTPOracleSnapshotDecodesEntries(t *testing.T) {
	pub, _, err := cryptosuite.SignKeygen()
	if err != nil {
		t.Fatalf("sign keygen: %v", err)
	}
	kpub, _, err := cryptosuite.KEMKeygen()
	if err != nil {
		t.Fatalf("kem keygen: %v", err)
	}
	identityBytes, err := cryptosuite.MarshalSignPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal identity: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]wireEntry{{
			Identity:      base64.StdEncoding.EncodeToString(identityBytes),
			Encapsulation: base64.StdEncoding.EncodeToString(cryptosuite.MarshalKEMPublicKey(kpub)),
			Address:       "node1:4001",
			Stake:         7,
		}})
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL)
	entries, err := oracle.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(entries) != 1 || entries[0].Address != "node1:4001" || entries[0].Stake != 7 {
		t.Fatalf("got %+v", entries)
	}
	if entries[0].ID() != (Entry{Identity: pub}).ID() {
		t.Fatalf("decoded identity did not round-trip")
	}
}

func TestHTTPOracleSnapshotRejectsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL)
	if _, err := oracle.Snapshot(context.Background()); err == nil {
		t.Fatalf("expected error for non-200 response")
	}
}
