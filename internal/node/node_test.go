package node

import (
	"context"
	"testing"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/duskmesh/core/internal/config"
	"github.com/duskmesh/core/internal/cryptosuite"
	"github.com/duskmesh/core/internal/registry"
)

func newTestIdentity(t *testing.T) Identity {
	t.Helper()
	signPub, signPriv, err := cryptosuite.SignKeygen()
	if err != nil {
		t.Fatalf("sign keygen: %v", err)
	}
	kemPub, kemPriv, err := cryptosuite.KEMKeygen()
	if err != nil {
		t.Fatalf("kem keygen: %v", err)
	}
	return Identity{SignPub: signPub, SignPriv: signPriv, KEMPub: kemPub, KEMPriv: kemPriv}
}

func peerIDForIdentity(t *testing.T, id Identity) peer.ID {
	t.Helper()
	priv := id.SignPriv.Classical
	libPriv, _, err := libp2pcrypto.KeyPairFromStdKey(&priv)
	if err != nil {
		t.Fatalf("libp2p key pair: %v", err)
	}
	pid, err := peer.IDFromPrivateKey(libPriv)
	if err != nil {
		t.Fatalf("peer id from key: %v", err)
	}
	return pid
}

func TestPublishSendMessageReplicatesToPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id1 := newTestIdentity(t)
	id2 := newTestIdentity(t)
	pid1 := peerIDForIdentity(t, id1)
	pid2 := peerIDForIdentity(t, id2)

	oracle := registry.NewStaticOracle([]registry.Entry{
		{Identity: id1.SignPub, Address: pid1.String()},
		{Identity: id2.SignPub, Address: pid2.String()},
	})

	cfg1 := config.Default()
	cfg1.ListenAddress = "/ip4/127.0.0.1/tcp/0"
	cfg1.ReplicationFactor = 2
	cfg2 := config.Default()
	cfg2.ListenAddress = "/ip4/127.0.0.1/tcp/0"
	cfg2.ReplicationFactor = 2

	n1, err := New(ctx, cfg1, id1, oracle, "duskmesh-test-1")
	if err != nil {
		t.Fatalf("new node 1: %v", err)
	}
	defer n1.Host().H.Close()
	n2, err := New(ctx, cfg2, id2, oracle, "duskmesh-test-2")
	if err != nil {
		t.Fatalf("new node 2: %v", err)
	}
	defer n2.Host().H.Close()

	if err := n1.Host().H.Connect(ctx, peer.AddrInfo{ID: n2.Host().H.ID(), Addrs: n2.Host().H.Addrs()}); err != nil {
		t.Fatalf("connect n1 -> n2: %v", err)
	}

	challenge := []byte("session-challenge")
	proof := cryptosuite.MakeProof(id1.SignPriv, id1.SignPub, challenge)
	sign := func(body []byte) cryptosuite.Signature { return cryptosuite.Sign(id1.SignPriv, body) }

	m1 := n1.GetOrCreateChat("general")
	if err := m1.CreateChat(ctx, id1.SignPub, proof, challenge); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	entry, err := m1.SendMessage(ctx, id1.SignPub, []byte("hello"), proof, challenge, 1, sign)
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	n1.PublishSendMessage(ctx, "general", entry)

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := n2.GetOrCreateChat("general").Snapshot(ctx)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if len(snap.Log) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for replication, got %d entries", len(snap.Log))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
