// Package registry models the external identity/stake oracle (spec §6):
// the blockchain itself is out of scope, but duskmesh needs a stable
// contract for "list of {identity, address, keys}" snapshots, polled on
// boot and refreshed every T_registry.
package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/duskmesh/core/internal/cryptosuite"
	"github.com/duskmesh/core/internal/dht"
)

// Entry is one registry record: a node's identity, its encapsulation
// public key, its network address, and its stake (spec §3, §6). Identity
// is the signing key; a node's DHT id is the hash of that key.
type Entry struct {
	Identity      cryptosuite.SignPublicKey
	Encapsulation cryptosuite.KEMPublicKey
	Address       string
	Stake         uint64
}

// ID returns the entry's DHT id, the hash of its signing identity.
func (e Entry) ID() dht.ID {
	marshaled, err := cryptosuite.MarshalSignPublicKey(e.Identity)
	if err != nil {
		// Identity keys are always marshalable; a failure here means the
		// key was never validly constructed.
		panic(fmt.Sprintf("registry: unmarshalable identity: %v", err))
	}
	return dht.ID(cryptosuite.Hash(marshaled))
}

// Oracle is the contract the registry's real implementation (a blockchain
// client, out of scope here) and any test double both satisfy.
type Oracle interface {
	Snapshot(ctx context.Context) ([]Entry, error)
}

// Snapshot is an immutable registry view; between refreshes it never
// changes, satisfying spec §6's "immutable between refreshes".
type Snapshot struct {
	Entries   []Entry
	FetchedAt time.Time
}

// ByIdentity returns the entry matching id, if present.
func (s Snapshot) ByIdentity(id dht.ID) (Entry, bool) {
	for _, e := range s.Entries {
		if e.ID() == id {
			return e, true
		}
	}
	return Entry{}, false
}

// AsRegistryPeers adapts the snapshot into dht.RegistryPeer for
// replication-group computation.
func (s Snapshot) AsRegistryPeers() []dht.RegistryPeer {
	out := make([]dht.RegistryPeer, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = dht.RegistryPeer{ID: e.ID(), Address: e.Address}
	}
	return out
}

// Poller polls an Oracle on an interval and exposes the latest Snapshot
// through a copy-on-write atomic handle (spec §5: "registry snapshot...
// read-mostly; updates use copy-on-write swaps").
type Poller struct {
	oracle   Oracle
	interval time.Duration
	current  atomic.Pointer[Snapshot]
}

// NewPoller creates a Poller. Callers must call Start (or Refresh once)
// before Current returns a non-nil snapshot.
func NewPoller(oracle Oracle, interval time.Duration) *Poller {
	return &Poller{oracle: oracle, interval: interval}
}

// Current returns the latest fetched snapshot, or nil if none has been
// fetched yet.
func (p *Poller) Current() *Snapshot { return p.current.Load() }

// Refresh fetches a new snapshot immediately and publishes it.
func (p *Poller) Refresh(ctx context.Context) (*Snapshot, error) {
	entries, err := p.oracle.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: refresh: %w", err)
	}
	snap := &Snapshot{Entries: entries, FetchedAt: time.Now()}
	p.current.Store(snap)
	return snap, nil
}

// Start runs Refresh once and then on every interval until ctx is done.
// The caller is expected to run this in its own goroutine.
func (p *Poller) Start(ctx context.Context, onError func(error)) {
	if _, err := p.Refresh(ctx); err != nil && onError != nil {
		onError(err)
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Refresh(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

// StaticOracle is an in-memory Oracle for tests and single-process demos,
// standing in for the blockchain registry the spec treats as external.
type StaticOracle struct {
	entries []Entry
}

// NewStaticOracle wraps a fixed entry list.
func NewStaticOracle(entries []Entry) *StaticOracle {
	return &StaticOracle{entries: entries}
}

// Snapshot implements Oracle.
func (s *StaticOracle) Snapshot(ctx context.Context) ([]Entry, error) {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// wireEntry is the JSON shape an HTTPOracle's endpoint returns: the
// out-of-scope registry is someone else's service, so duskmesh only
// needs a stable client-side contract for it, the way the teacher's
// command_sync.go decodes a plain JSON envelope over net/http rather
// than pulling in an RPC/HTTP framework for a one-shot GET.
type wireEntry struct {
	Identity      string `json:"identity"`
	Encapsulation string `json:"encapsulation"`
	Address       string `json:"address"`
	Stake         uint64 `json:"stake"`
}

// HTTPOracle fetches the registry snapshot from a JSON HTTP endpoint
// (spec §6's external identity/stake oracle).
type HTTPOracle struct {
	endpoint string
	client   *http.Client
}

// NewHTTPOracle wraps endpoint, a URL returning a JSON array of wireEntry.
func NewHTTPOracle(endpoint string) *HTTPOracle {
	return &HTTPOracle{endpoint: endpoint, client: &http.Client{Timeout: 10 * time.Second}}
}

// Snapshot implements Oracle.
func (o *HTTPOracle) Snapshot(ctx context.Context) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: build request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: fetch %s: %w", o.endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry: %s returned status %d", o.endpoint, resp.StatusCode)
	}

	var wire []wireEntry
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("registry: decode response: %w", err)
	}

	out := make([]Entry, 0, len(wire))
	for _, w := range wire {
		identity, err := decodeB64SignPublicKey(w.Identity)
		if err != nil {
			return nil, fmt.Errorf("registry: entry %q: %w", w.Address, err)
		}
		encap, err := decodeB64KEMPublicKey(w.Encapsulation)
		if err != nil {
			return nil, fmt.Errorf("registry: entry %q: %w", w.Address, err)
		}
		out = append(out, Entry{Identity: identity, Encapsulation: encap, Address: w.Address, Stake: w.Stake})
	}
	return out, nil
}

func decodeB64SignPublicKey(s string) (cryptosuite.SignPublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return cryptosuite.SignPublicKey{}, fmt.Errorf("decode identity: %w", err)
	}
	return cryptosuite.UnmarshalSignPublicKey(b)
}

func decodeB64KEMPublicKey(s string) (cryptosuite.KEMPublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return cryptosuite.KEMPublicKey{}, fmt.Errorf("decode encapsulation: %w", err)
	}
	return cryptosuite.UnmarshalKEMPublicKey(b)
}
