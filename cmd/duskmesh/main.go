// Command duskmesh runs one node of the relay network: it opens a
// libp2p transport, joins the DHT, polls the identity/stake registry,
// and serves onion, chat, and replication RPC over that transport
// (spec §5), the way the teacher's main.go wires a beacon, a peer
// store, and a pair of HTTP servers into one running mixnets node.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/duskmesh/core/internal/config"
	"github.com/duskmesh/core/internal/node"
	"github.com/duskmesh/core/internal/registry"
)

var log = logging.Logger("duskmesh")

// mdnsTag scopes LAN peer discovery to this protocol, the way the
// teacher's beacon broadcasts on a protocol-specific multicast group.
const mdnsTag = "duskmesh-lan"

// Exit codes (spec.md §6): 0 normal shutdown, 1 config error, 2 crypto
// init error, 3 registry unreachable at start, 4 fatal internal invariant.
const (
	exitConfigError       = 1
	exitCryptoInitError   = 2
	exitRegistryAtStart   = 3
	exitInternalInvariant = 4
)

// fatal logs and terminates with a specific exit code, in place of
// go-log's Fatalf (which always exits 1 and so cannot distinguish the
// exit-code classes spec.md requires).
func fatal(code int, format string, args ...any) {
	log.Errorf(format, args...)
	os.Exit(code)
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fatal(exitConfigError, "config: %v", err)
	}
	logging.SetAllLoggers(parseLogLevel(cfg.LogLevel))

	paths, err := initStorageDir()
	if err != nil {
		fatal(exitConfigError, "storage init: %v", err)
	}

	pass := os.Getenv("DUSKMESH_IDENTITY_PASS")
	if pass == "" {
		fatal(exitConfigError, "identity passphrase missing: set DUSKMESH_IDENTITY_PASS")
	}

	identity, err := loadOrCreateIdentity(paths, []byte(pass))
	if err != nil {
		fatal(exitCryptoInitError, "identity: %v", err)
	}
	self, err := identity.ID()
	if err != nil {
		fatal(exitCryptoInitError, "identity: %v", err)
	}
	log.Infof("node id=%x", self[:8])

	var oracle registry.Oracle = registry.NewHTTPOracle(cfg.RegistryEndpoint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := node.New(ctx, cfg, identity, oracle, mdnsTag)
	if err != nil {
		fatal(exitInternalInvariant, "node: %v", err)
	}

	if !n.RegistryReachable() {
		fatal(exitRegistryAtStart, "registry unreachable at start: %s", cfg.RegistryEndpoint)
	}
	if size := n.RegistrySize(); size < cfg.MinNodes {
		fatal(exitRegistryAtStart, "registry has %d entries, below min-nodes %d: refusing to serve", size, cfg.MinNodes)
	}

	for _, addr := range cfg.BootPeers {
		if err := connectBootPeer(ctx, n, addr); err != nil {
			log.Warnf("boot peer %s: %v", addr, err)
		}
	}

	log.Infof("duskmesh listening on %s, registry=%s, replication-factor=%d",
		cfg.ListenAddress, cfg.RegistryEndpoint, cfg.ReplicationFactor)

	waitForShutdown()
	log.Info("shutting down")
}

// loadOrCreateIdentity opens the node's persisted identity, generating
// and sealing a fresh one on first run (the teacher's --new-net/env.enc
// flow, minus the explicit flag: an absent identity.enc always means a
// first run here, since boot peers and the registry tolerate a node
// appearing with a brand new identity).
func loadOrCreateIdentity(paths *storagePaths, pass []byte) (node.Identity, error) {
	if _, err := os.Stat(paths.IdentityEnc); err == nil {
		id, err := openIdentity(paths.IdentityEnc, pass)
		if err != nil {
			return node.Identity{}, fmt.Errorf("load %s: %w", paths.IdentityEnc, err)
		}
		return id, nil
	}
	id, err := generateIdentity()
	if err != nil {
		return node.Identity{}, fmt.Errorf("generate: %w", err)
	}
	if err := sealIdentity(paths.IdentityEnc, pass, id); err != nil {
		return node.Identity{}, fmt.Errorf("seal %s: %w", paths.IdentityEnc, err)
	}
	log.Infof("generated new identity at %s", paths.IdentityEnc)
	return id, nil
}

// connectBootPeer dials a configured boot peer multiaddr directly,
// seeding the host's peerstore ahead of mDNS/registry discovery.
func connectBootPeer(ctx context.Context, n *node.Node, addr string) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("parse peer info: %w", err)
	}
	if err := n.Host().H.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func parseLogLevel(level string) logging.LogLevel {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return logging.LevelInfo
	}
	return lvl
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
