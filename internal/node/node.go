// Package node wires the transport, DHT, registry, chat, and replication
// layers into one running duskmesh process (spec §5), the way the
// teacher's node.go assembles a libp2p host, its peer/RTT tracking, and
// its chat/file stream handlers into a single Node.
package node

import (
	"context"
	"fmt"
	"os"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/duskmesh/core/internal/chat"
	"github.com/duskmesh/core/internal/config"
	"github.com/duskmesh/core/internal/cryptosuite"
	"github.com/duskmesh/core/internal/dht"
	"github.com/duskmesh/core/internal/errs"
	"github.com/duskmesh/core/internal/registry"
	"github.com/duskmesh/core/internal/replicate"
	"github.com/duskmesh/core/internal/rpc"
	"github.com/duskmesh/core/internal/transport"
)

var log = logging.Logger("node")

// Protocol is the libp2p stream protocol duskmesh's RPC framing runs
// over, once a stream is open (onion circuits carry RPC frames as their
// terminal-hop payload; a node also accepts direct RPC for peer-to-peer
// replication traffic that does not need onion anonymization).
const Protocol = "/duskmesh/rpc/1.0.0"

// Identity is a node's long-term keypair (spec §3: identity is the
// signing key; a node's DHT id is the hash of that key).
type Identity struct {
	SignPub  cryptosuite.SignPublicKey
	SignPriv cryptosuite.SignPrivateKey
	KEMPub   cryptosuite.KEMPublicKey
	KEMPriv  cryptosuite.KEMPrivateKey
}

// ID returns the identity's DHT id.
func (id Identity) ID() (dht.ID, error) {
	b, err := cryptosuite.MarshalSignPublicKey(id.SignPub)
	if err != nil {
		return dht.ID{}, fmt.Errorf("node: marshal identity: %w", err)
	}
	return dht.ID(cryptosuite.Hash(b)), nil
}

// Node bundles every running subsystem for one duskmesh process.
type Node struct {
	cfg      *config.Config
	identity Identity
	self     dht.ID

	host   *transport.Host
	table  *dht.Handle
	poller *registry.Poller
	client replicate.Client

	registryErr error // set if the initial registry refresh in New failed

	chatsMu sync.Mutex
	chats   map[string]*chat.Machine
	ctx     context.Context
}

// New builds and starts a Node: it opens the transport host, starts
// polling the registry, seeds the routing table with the first
// snapshot, and registers the RPC stream handler.
func New(ctx context.Context, cfg *config.Config, identity Identity, oracle registry.Oracle, mdnsTag string) (*Node, error) {
	self, err := identity.ID()
	if err != nil {
		return nil, err
	}

	h, err := transport.New(ctx, identity.SignPriv.Classical, []string{cfg.ListenAddress}, mdnsTag)
	if err != nil {
		return nil, fmt.Errorf("node: transport: %w", err)
	}

	n := &Node{
		cfg:      cfg,
		identity: identity,
		self:     self,
		host:     h,
		table:    dht.NewHandle(dht.NewTable(self)),
		poller:   registry.NewPoller(oracle, cfg.RegistryRefresh),
		chats:    make(map[string]*chat.Machine),
		ctx:      ctx,
	}
	n.client = &rpcClient{host: h}

	if _, err := n.poller.Refresh(ctx); err != nil {
		log.Warnf("initial registry refresh failed: %v", err)
		n.registryErr = err
	}
	n.seedTable()
	go n.poller.Start(ctx, func(err error) { log.Warnf("registry refresh: %v", err) })

	h.SetStreamHandler(Protocol, n.handleStream)
	return n, nil
}

func (n *Node) seedTable() {
	snap := n.poller.Current()
	if snap == nil {
		return
	}
	for _, e := range snap.Entries {
		n.table.Observe(dht.Peer{ID: e.ID(), Address: e.Address})
	}
}

// ChatConfig returns the chat.Config every Machine on this node is built
// with, derived from the node's runtime Config.
func (n *Node) ChatConfig() chat.Config {
	return chat.Config{
		Caps:          n.cfg.ChatCaps(),
		SendThreshold: n.cfg.SendThreshold,
		SignatureTail: chat.DefaultSignatureTail,
		SubscriberBuf: 256,
	}
}

// GetOrCreateChat returns the Machine for name, starting its actor
// goroutine on first reference. It never triggers network traffic:
// replication-internal callers (dispatchReplication, tests) use this
// directly, since running a consistency vote while already serving a
// replication RPC would recurse into the same protocol it implements.
// Client-facing callers should use EnsureChat instead.
func (n *Node) GetOrCreateChat(name string) *chat.Machine {
	n.chatsMu.Lock()
	defer n.chatsMu.Unlock()
	if m, ok := n.chats[name]; ok {
		return m
	}
	m := chat.NewMachine(n.ctx, name, n.ChatConfig())
	n.chats[name] = m
	return m
}

// EnsureChat returns name's Machine, running a lazy-pull consistency
// vote against the rest of the replication group the first time this
// node references a chat it does not already hold locally (spec §4.6
// steps 1-4, P7/P8/S3/S4). A vote that fails to reach quorum, or a
// Reconcile that does not verify, leaves the freshly created empty
// Machine in place and only logs the divergence.
func (n *Node) EnsureChat(ctx context.Context, name string) *chat.Machine {
	n.chatsMu.Lock()
	m, existed := n.chats[name]
	if !existed {
		m = chat.NewMachine(n.ctx, name, n.ChatConfig())
		n.chats[name] = m
	}
	n.chatsMu.Unlock()
	if existed {
		return m
	}

	fullGroup := n.ReplicationGroup(name)
	var remote []dht.Peer
	for _, p := range fullGroup {
		if p.ID != n.self {
			remote = append(remote, p)
		}
	}
	if len(remote) == 0 {
		return m
	}

	quorum := (len(fullGroup) + 1) / 2
	vote, won, err := replicate.ConsistencyVote(ctx, n.client, remote, name, quorum)
	if err != nil {
		log.Debugf("consistency vote for %q: %v", name, err)
		return m
	}
	if !won {
		return m
	}
	if err := replicate.Reconcile(ctx, n.client, m, name, vote); err != nil {
		log.Debugf("reconcile %q: %v", name, err)
	}
	return m
}

// ReplicationGroup computes the current replication group for a chat
// name, using the latest registry snapshot (spec §4.4).
func (n *Node) ReplicationGroup(name string) []dht.Peer {
	snap := n.poller.Current()
	if snap == nil {
		return nil
	}
	key := dht.ID(cryptosuite.Hash([]byte(name)))
	return dht.ReplicationGroup(key, snap.AsRegistryPeers(), n.cfg.ReplicationFactor)
}

// InGroup reports whether this node belongs to name's replication group
// (spec §4.5: "only a node in the chat's replication group may
// originate it"; §4.6: the precondition a node checks before serving a
// lazy-pull request).
func (n *Node) InGroup(name string) bool {
	snap := n.poller.Current()
	if snap == nil {
		return false
	}
	key := dht.ID(cryptosuite.Hash([]byte(name)))
	return dht.InGroup(n.self, key, snap.AsRegistryPeers(), n.cfg.ReplicationFactor)
}

// PublishSendMessage replicates a just-appended entry to the rest of
// name's replication group (spec §4.6: eager push).
func (n *Node) PublishSendMessage(ctx context.Context, name string, entry chat.Entry) {
	group := n.ReplicationGroup(name)
	if errsOut := replicate.PushReplicate(ctx, n.client, group, n.self, name, entry); len(errsOut) > 0 {
		for _, e := range errsOut {
			log.Debugf("push replicate: %v", e)
		}
	}
}

// Self returns the node's DHT id.
func (n *Node) Self() dht.ID { return n.self }

// RegistryReachable reports whether New's initial registry refresh
// succeeded (spec.md's "registry unreachable at start" exit condition).
func (n *Node) RegistryReachable() bool { return n.registryErr == nil }

// RegistrySize returns the number of entries in the latest registry
// snapshot, or 0 if none has been fetched yet (spec.md's min_nodes gate).
func (n *Node) RegistrySize() int {
	snap := n.poller.Current()
	if snap == nil {
		return 0
	}
	return len(snap.Entries)
}

// Host exposes the underlying transport host for callers that need to
// dial peers directly (boot-peer connection, diagnostics).
func (n *Node) Host() *transport.Host { return n.host }

func (n *Node) handleStream(s network.Stream) {
	defer s.Close()
	var writeMu sync.Mutex
	for {
		msg, err := rpc.ReadMessage(s)
		if err != nil {
			return
		}
		reply, err := n.dispatch(n.ctx, msg, s, &writeMu)
		closeAfter := false
		if err != nil {
			kind, tagged := errs.KindOf(err)
			if tagged && kind == errs.Internal {
				log.Errorf("internal invariant broken: %v", err)
				os.Exit(4)
			}
			closeAfter = tagged && kind == errs.Protocol
			reply = errorReply(msg.RequestID, err)
		}
		writeMu.Lock()
		err = rpc.WriteMessage(s, reply)
		writeMu.Unlock()
		if err != nil {
			log.Debugf("write reply: %v", err)
			return
		}
		if closeAfter {
			return
		}
	}
}

func errorReply(requestID uint64, err error) rpc.Message {
	var w rpc.BodyWriter
	w.PutString(err.Error())
	return rpc.Message{Op: rpc.OpError, RequestID: requestID, Body: w.Bytes()}
}

// peerIDFromAddress parses a dht.Peer's Address field as a libp2p peer
// ID, the node-level convention for naming peers (mDNS/registry both
// populate the host's peerstore by peer ID).
func peerIDFromAddress(addr string) (peer.ID, error) {
	return peer.Decode(addr)
}
