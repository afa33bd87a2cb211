package onion

import (
	"bytes"
	"testing"

	"github.com/duskmesh/core/internal/cryptosuite"
)

type relay struct {
	addr string
	pub  cryptosuite.KEMPublicKey
	priv cryptosuite.KEMPrivateKey
}

func mustRelay(t *testing.T, addr string) relay {
	t.Helper()
	pub, priv, err := cryptosuite.KEMKeygen()
	if err != nil {
		t.Fatalf("kem keygen: %v", err)
	}
	return relay{addr: addr, pub: pub, priv: priv}
}

func TestBuildAndPeelThreeHopPath(t *testing.T) {
	r1 := mustRelay(t, "relay1:9000")
	r2 := mustRelay(t, "relay2:9000")
	r3 := mustRelay(t, "relay3:9000")
	hops := []Hop{
		{Address: r1.addr, Encapsulation: r1.pub},
		{Address: r2.addr, Encapsulation: r2.pub},
		{Address: r3.addr, Encapsulation: r3.pub},
	}
	payload := []byte("hello exit node")

	pkt, err := Build(hops, payload)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	peeled1, err := Peel(pkt, r1.priv)
	if err != nil {
		t.Fatalf("peel hop1: %v", err)
	}
	if peeled1.Header.Terminal {
		t.Fatalf("hop1 should not be terminal")
	}
	if peeled1.Header.NextAddr != r2.addr {
		t.Fatalf("hop1 next addr = %q, want %q", peeled1.Header.NextAddr, r2.addr)
	}

	peeled2, err := Peel(peeled1.Next, r2.priv)
	if err != nil {
		t.Fatalf("peel hop2: %v", err)
	}
	if peeled2.Header.Terminal {
		t.Fatalf("hop2 should not be terminal")
	}
	if peeled2.Header.NextAddr != r3.addr {
		t.Fatalf("hop2 next addr = %q, want %q", peeled2.Header.NextAddr, r3.addr)
	}

	peeled3, err := Peel(peeled2.Next, r3.priv)
	if err != nil {
		t.Fatalf("peel hop3: %v", err)
	}
	if !peeled3.Header.Terminal {
		t.Fatalf("hop3 should be terminal")
	}
	if !bytes.Equal(peeled3.Payload, payload) {
		t.Fatalf("payload = %q, want %q", peeled3.Payload, payload)
	}
}

func TestPacketLengthConstantAcrossHops(t *testing.T) {
	r1 := mustRelay(t, "relay1:9000")
	r2 := mustRelay(t, "relay2:9000")
	hops := []Hop{
		{Address: r1.addr, Encapsulation: r1.pub},
		{Address: r2.addr, Encapsulation: r2.pub},
	}
	pkt, err := Build(hops, []byte("payload"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(pkt) != PacketSize {
		t.Fatalf("built packet size %d, want %d", len(pkt), PacketSize)
	}
	peeled, err := Peel(pkt, r1.priv)
	if err != nil {
		t.Fatalf("peel: %v", err)
	}
	if len(peeled.Next) != PacketSize {
		t.Fatalf("forwarded packet size %d, want %d", len(peeled.Next), PacketSize)
	}
}

func TestRelayCannotPeelAnotherHopsSlot(t *testing.T) {
	r1 := mustRelay(t, "relay1:9000")
	r2 := mustRelay(t, "relay2:9000")
	hops := []Hop{
		{Address: r1.addr, Encapsulation: r1.pub},
		{Address: r2.addr, Encapsulation: r2.pub},
	}
	pkt, err := Build(hops, []byte("secret"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := Peel(pkt, r2.priv); err == nil {
		t.Fatalf("expected hop2 to fail peeling hop1's slot")
	}
}

func TestBuildRejectsPathOutsideBounds(t *testing.T) {
	r1 := mustRelay(t, "relay1:9000")
	if _, err := Build([]Hop{{Address: r1.addr, Encapsulation: r1.pub}}, nil); err == nil {
		t.Fatalf("expected error for single-hop path")
	}
	var hops []Hop
	for i := 0; i < HopCount+1; i++ {
		r := mustRelay(t, "relay")
		hops = append(hops, Hop{Address: r.addr, Encapsulation: r.pub})
	}
	if _, err := Build(hops, nil); err == nil {
		t.Fatalf("expected error for path exceeding HopCount")
	}
}

func TestBuildRejectsSameFirstAndLastHop(t *testing.T) {
	r1 := mustRelay(t, "relay1:9000")
	hops := []Hop{
		{Address: r1.addr, Encapsulation: r1.pub},
		{Address: r1.addr, Encapsulation: r1.pub},
	}
	if _, err := Build(hops, nil); err == nil {
		t.Fatalf("expected error for identical first/last hop")
	}
}
