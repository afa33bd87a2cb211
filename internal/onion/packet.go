// Package onion implements the layered packet codec (spec §4.2, C2) and
// the per-hop circuit/stream behavior built on top of it (spec §4.3, C3).
//
// Packet design note (see DESIGN.md): rather than a fully nested Sphinx
// header — which keeps per-layer ciphertext size constant only through a
// dedicated wide-block construction outside this spec's pluggable-
// primitive contract — each of the packet's H slots is built
// independently, addressed to its designated hop with that hop's own KEM
// public key. A relay peels only its own (always-front) slot, shifts the
// remaining slots left, and appends a fresh random slot before
// forwarding. This keeps every observed packet exactly L = H·S bytes
// (P2) without requiring the relay to touch any slot but its own (P1),
// and is the literal reading of spec §3's slot layout and §4.2's peel
// step.
package onion

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/duskmesh/core/internal/cryptosuite"
)

// HopCount is H, the maximum path length a packet can carry (spec §3).
const HopCount = 5

// MaxAddressLen bounds the next-hop address field.
const MaxAddressLen = 64

// MaxInnerPayload bounds the application payload carried in the terminal
// slot.
const MaxInnerPayload = 1024

const (
	kemCiphertextSize = 32 + mlkem768.CiphertextSize
	senderTagSize     = 16
	keyIDSize         = 4
	slotPlainSize     = 1 /*flags*/ + 1 /*addrLen*/ + MaxAddressLen + keyIDSize + MaxInnerPayload
	aeadOverhead      = 16 // chacha20poly1305 (Poly1305 tag)

	// SlotSize is S, the fixed wire size of one hop's slot.
	SlotSize = kemCiphertextSize + cryptosuite.NonceSize + senderTagSize + slotPlainSize + aeadOverhead
)

// PacketSize is L = H·S, the fixed total size of every onion packet.
const PacketSize = HopCount * SlotSize

const (
	flagTerminal byte = 1 << 0
)

// Header is the per-hop routing instruction carried (encrypted) in a slot.
type Header struct {
	Terminal bool
	NextAddr string
	NextKeyID [keyIDSize]byte
}

// Hop is everything the packet builder needs about one relay on the path.
type Hop struct {
	Address       string
	Encapsulation cryptosuite.KEMPublicKey
	KeyID         [keyIDSize]byte
}

// Packet is a fixed-length, H-slot onion packet.
type Packet [PacketSize]byte

func (p *Packet) slot(i int) []byte { return p[i*SlotSize : (i+1)*SlotSize] }

// Build constructs a packet addressed to hops[0], carrying payload to the
// final hop (the chat holder). len(hops) must be in [2, HopCount], and
// Build rejects a path whose first and last hops share an address; the
// caller is responsible for selecting hops without replacement (spec §4.2
// orderings & tie-breaks).
func Build(hops []Hop, payload []byte) (*Packet, error) {
	if len(hops) < 2 || len(hops) > HopCount {
		return nil, fmt.Errorf("onion: path length %d outside [2,%d]", len(hops), HopCount)
	}
	if len(payload) > MaxInnerPayload {
		return nil, fmt.Errorf("onion: payload %d bytes exceeds max %d", len(payload), MaxInnerPayload)
	}
	if hops[0].Address == hops[len(hops)-1].Address {
		return nil, errors.New("onion: first and last hop must be distinct")
	}

	var senderTag [senderTagSize]byte
	if _, err := io.ReadFull(rand.Reader, senderTag[:]); err != nil {
		return nil, fmt.Errorf("onion: sender tag: %w", err)
	}

	var pkt Packet
	for i, hop := range hops {
		terminal := i == len(hops)-1
		hdr := Header{Terminal: terminal, NextKeyID: hop.KeyID}
		var body []byte
		if terminal {
			body = payload
		} else {
			hdr.NextAddr = hops[i+1].Address
		}
		raw, err := buildSlot(hop.Encapsulation, senderTag, hdr, body)
		if err != nil {
			return nil, fmt.Errorf("onion: build slot %d: %w", i, err)
		}
		copy(pkt.slot(i), raw)
	}
	for i := len(hops); i < HopCount; i++ {
		if _, err := io.ReadFull(rand.Reader, pkt.slot(i)); err != nil {
			return nil, fmt.Errorf("onion: pad slot %d: %w", i, err)
		}
	}
	return &pkt, nil
}

func buildSlot(pk cryptosuite.KEMPublicKey, senderTag [senderTagSize]byte, hdr Header, payload []byte) ([]byte, error) {
	ct, shared, err := cryptosuite.KEMEncaps(pk)
	if err != nil {
		return nil, fmt.Errorf("kem encaps: %w", err)
	}
	key, err := layerKey(shared, senderTag)
	if err != nil {
		return nil, err
	}

	plain := make([]byte, slotPlainSize)
	if hdr.Terminal {
		plain[0] = flagTerminal
	}
	if len(hdr.NextAddr) > MaxAddressLen {
		return nil, fmt.Errorf("onion: next-hop address %d bytes exceeds max %d", len(hdr.NextAddr), MaxAddressLen)
	}
	plain[1] = byte(len(hdr.NextAddr))
	copy(plain[2:2+MaxAddressLen], hdr.NextAddr)
	copy(plain[2+MaxAddressLen:2+MaxAddressLen+keyIDSize], hdr.NextKeyID[:])
	copy(plain[2+MaxAddressLen+keyIDSize:], payload)

	nonce := make([]byte, cryptosuite.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("onion: nonce: %w", err)
	}
	ciphertext, err := cryptosuite.AEADEncrypt(key, nonce, senderTag[:], plain)
	if err != nil {
		return nil, fmt.Errorf("onion: seal: %w", err)
	}

	out := make([]byte, 0, SlotSize)
	out = appendCiphertext(out, ct)
	out = append(out, nonce...)
	out = append(out, senderTag[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

func layerKey(shared []byte, senderTag [senderTagSize]byte) ([]byte, error) {
	info := "onion-layer:" + string(senderTag[:])
	return cryptosuite.KDF(shared, info, 32)
}

func appendCiphertext(dst []byte, ct cryptosuite.KEMCiphertext) []byte {
	dst = append(dst, ct.Classical[:]...)
	return append(dst, ct.PQ...)
}

func parseCiphertext(b []byte) (cryptosuite.KEMCiphertext, error) {
	if len(b) != kemCiphertextSize {
		return cryptosuite.KEMCiphertext{}, fmt.Errorf("onion: kem ciphertext size %d, want %d", len(b), kemCiphertextSize)
	}
	var ct cryptosuite.KEMCiphertext
	copy(ct.Classical[:], b[:32])
	ct.PQ = append([]byte(nil), b[32:]...)
	return ct, nil
}

// Peeled is the result of successfully opening a relay's own slot.
type Peeled struct {
	Header  Header
	Payload []byte // only meaningful when Header.Terminal
	Next    *Packet
}

// Peel opens the front slot of pkt using sk, and returns the forwarded
// packet (with the front slot consumed, remaining slots shifted left, and
// a fresh random slot appended) so the total length never changes (P2).
func Peel(pkt *Packet, sk cryptosuite.KEMPrivateKey) (*Peeled, error) {
	raw := pkt.slot(0)
	off := 0
	ctBytes := raw[off : off+kemCiphertextSize]
	off += kemCiphertextSize
	nonce := raw[off : off+cryptosuite.NonceSize]
	off += cryptosuite.NonceSize
	senderTag := raw[off : off+senderTagSize]
	off += senderTagSize
	ciphertext := raw[off:]

	ct, err := parseCiphertext(ctBytes)
	if err != nil {
		return nil, err
	}
	shared, err := cryptosuite.KEMDecaps(sk, ct)
	if err != nil {
		return nil, fmt.Errorf("onion: decaps: %w", err)
	}
	var tag [senderTagSize]byte
	copy(tag[:], senderTag)
	key, err := layerKey(shared, tag)
	if err != nil {
		return nil, err
	}
	plain, err := cryptosuite.AEADDecrypt(key, nonce, senderTag, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("onion: open: %w", err)
	}

	hdr := Header{Terminal: plain[0]&flagTerminal != 0}
	addrLen := int(plain[1])
	if addrLen > MaxAddressLen {
		return nil, errors.New("onion: corrupt address length")
	}
	hdr.NextAddr = string(plain[2 : 2+addrLen])
	copy(hdr.NextKeyID[:], plain[2+MaxAddressLen:2+MaxAddressLen+keyIDSize])
	payload := append([]byte(nil), plain[2+MaxAddressLen+keyIDSize:]...)

	var next Packet
	copy(next[:(HopCount-1)*SlotSize], pkt[SlotSize:])
	if _, err := io.ReadFull(rand.Reader, next.slot(HopCount-1)); err != nil {
		return nil, fmt.Errorf("onion: append random slot: %w", err)
	}

	return &Peeled{Header: hdr, Payload: payload, Next: &next}, nil
}
