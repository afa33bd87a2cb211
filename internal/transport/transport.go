// Package transport wraps the libp2p host duskmesh runs on: identity,
// listeners, LAN discovery, and RTT sampling (spec §6's "assumed secure
// channel", concretely bound to libp2p the way the teacher's node.go
// does).
package transport

import (
	"context"
	"crypto/ed25519"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
)

var log = logging.Logger("transport")

// Host bundles the libp2p host with the ambient RTT sampler the DHT's
// locality hint uses (spec §4.4: "a relay can point a client toward a
// nearer holder").
type Host struct {
	H host.Host

	mu   sync.Mutex
	rtts map[peer.ID]time.Duration
}

type discoveryNotifee struct{ h host.Host }

func (d *discoveryNotifee) HandlePeerFound(info peer.AddrInfo) {
	if err := d.h.Connect(context.Background(), info); err != nil {
		log.Debugf("mdns connect to %s failed: %v", info.ID, err)
	}
}

// New builds a libp2p host from a long-term ed25519 identity and starts
// mDNS discovery, grounded on the teacher's newNode (libp2p.New with
// Identity/DefaultSecurity/DefaultMuxers/DefaultTransports/ListenAddrStrings,
// mdns.NewMdnsService).
func New(ctx context.Context, priv ed25519.PrivateKey, listenAddrs []string, mdnsTag string) (*Host, error) {
	libPriv, _, err := crypto.KeyPairFromStdKey(&priv)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(libPriv),
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
		libp2p.DefaultTransports,
		libp2p.ListenAddrStrings(listenAddrs...),
	)
	if err != nil {
		return nil, err
	}

	if _, err := mdns.NewMdnsService(h, mdnsTag, &discoveryNotifee{h: h}); err != nil {
		log.Warnf("mdns discovery unavailable: %v", err)
	}

	t := &Host{H: h, rtts: make(map[peer.ID]time.Duration)}
	go t.pingLoop(ctx)
	return t, nil
}

// SetStreamHandler registers a protocol handler, passed through to the
// underlying host.
func (t *Host) SetStreamHandler(proto string, handler func(network.Stream)) {
	t.H.SetStreamHandler(protocol.ID(proto), handler)
}

// NewStream opens a stream to a peer under the given protocol, for
// internal/rpc and internal/onion clients to dial out on.
func (t *Host) NewStream(ctx context.Context, pid peer.ID, proto string) (network.Stream, error) {
	return t.H.NewStream(ctx, pid, protocol.ID(proto))
}

// pingLoop samples RTT to every connected peer, matching the teacher's
// pingLoop pattern in node.go.
func (t *Host) pingLoop(ctx context.Context) {
	svc := ping.NewPingService(t.H)
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pid := range t.H.Network().Peers() {
				ch := svc.Ping(ctx, pid)
				select {
				case res := <-ch:
					if res.Error == nil {
						t.mu.Lock()
						t.rtts[pid] = res.RTT
						t.mu.Unlock()
					}
				case <-time.After(2 * time.Second):
				}
			}
		}
	}
}

// NearestPeers returns connected peers ordered by ascending RTT, for the
// DHT's locality hint.
func (t *Host) NearestPeers() []peer.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := t.H.Network().Peers()
	out := make([]peer.ID, len(peers))
	copy(out, peers)
	sort.Slice(out, func(i, j int) bool { return t.rtts[out[i]] < t.rtts[out[j]] })
	return out
}
