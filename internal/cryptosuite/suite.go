// Package cryptosuite implements the pluggable crypto primitives duskmesh
// builds on: a hybrid (classical + post-quantum) KEM, a hybrid signature
// scheme, an AEAD, a hash, and the session proof used to bind RPC callers
// to a server-issued challenge.
//
// Both the KEM and the signature scheme run their classical and
// post-quantum halves in parallel and combine the results, hedging against
// a break in either one (spec §4.1).
package cryptosuite

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/schemes"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// HashSize is the output size of Hash, in bytes.
const HashSize = 32

var dilithium = schemes.ByName("Dilithium2")

func init() {
	if dilithium == nil {
		panic("cryptosuite: Dilithium2 scheme not registered")
	}
}

// KEMPublicKey is the hybrid encapsulation public key: a classical
// X25519 point concatenated with a post-quantum ML-KEM-768 key.
type KEMPublicKey struct {
	Classical [32]byte
	PQ        []byte // mlkem768.PublicKeySize
}

// KEMPrivateKey is the hybrid encapsulation secret key.
type KEMPrivateKey struct {
	Classical [32]byte
	PQ        []byte // mlkem768.PrivateKeySize
}

// KEMCiphertext is what KEMEncaps sends to the holder of KEMPrivateKey.
type KEMCiphertext struct {
	Classical [32]byte // ephemeral X25519 public point
	PQ        []byte   // mlkem768.CiphertextSize
}

// KEMKeygen generates a fresh hybrid encapsulation keypair.
func KEMKeygen() (KEMPublicKey, KEMPrivateKey, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return KEMPublicKey{}, KEMPrivateKey{}, fmt.Errorf("kem keygen: %w", err)
	}
	clamp(&priv)
	var pub [32]byte
	if err := curve25519ScalarBase(&pub, &priv); err != nil {
		return KEMPublicKey{}, KEMPrivateKey{}, err
	}

	pqPub, pqPriv, err := mlkem768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return KEMPublicKey{}, KEMPrivateKey{}, fmt.Errorf("kem keygen: mlkem768: %w", err)
	}
	pubPacked := make([]byte, mlkem768.PublicKeySize)
	privPacked := make([]byte, mlkem768.PrivateKeySize)
	pqPub.Pack(pubPacked)
	pqPriv.Pack(privPacked)

	return KEMPublicKey{Classical: pub, PQ: pubPacked},
		KEMPrivateKey{Classical: priv, PQ: privPacked}, nil
}

// KEMEncaps produces a ciphertext and a shared secret for pk.
func KEMEncaps(pk KEMPublicKey) (KEMCiphertext, []byte, error) {
	var ephPriv [32]byte
	if _, err := io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return KEMCiphertext{}, nil, fmt.Errorf("kem encaps: %w", err)
	}
	clamp(&ephPriv)
	var ephPub [32]byte
	if err := curve25519ScalarBase(&ephPub, &ephPriv); err != nil {
		return KEMCiphertext{}, nil, err
	}
	sharedClassical, err := curve25519.X25519(ephPriv[:], pk.Classical[:])
	if err != nil {
		return KEMCiphertext{}, nil, fmt.Errorf("kem encaps: classical: %w", err)
	}

	var pqPub mlkem768.PublicKey
	if err := pqPub.Unpack(pk.PQ); err != nil {
		return KEMCiphertext{}, nil, fmt.Errorf("kem encaps: bad pq public key: %w", err)
	}
	ct := make([]byte, mlkem768.CiphertextSize)
	sharedPQ := make([]byte, mlkem768.SharedKeySize)
	pqPub.EncapsulateTo(ct, sharedPQ, nil)

	shared := combineSecrets(sharedClassical, sharedPQ)
	return KEMCiphertext{Classical: ephPub, PQ: ct}, shared, nil
}

// KEMDecaps recovers the shared secret KEMEncaps produced for sk.
func KEMDecaps(sk KEMPrivateKey, ct KEMCiphertext) ([]byte, error) {
	sharedClassical, err := curve25519.X25519(sk.Classical[:], ct.Classical[:])
	if err != nil {
		return nil, fmt.Errorf("kem decaps: classical: %w", err)
	}

	var pqPriv mlkem768.PrivateKey
	if err := pqPriv.Unpack(sk.PQ); err != nil {
		return nil, fmt.Errorf("kem decaps: bad pq private key: %w", err)
	}
	sharedPQ := make([]byte, mlkem768.SharedKeySize)
	pqPriv.DecapsulateTo(sharedPQ, ct.PQ)

	return combineSecrets(sharedClassical, sharedPQ), nil
}

func combineSecrets(classical, pq []byte) []byte {
	h := sha256.New()
	h.Write(classical)
	h.Write(pq)
	return h.Sum(nil)
}

func clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

func curve25519ScalarBase(pub, priv *[32]byte) error {
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("curve25519 scalar-base: %w", err)
	}
	copy(pub[:], p)
	return nil
}

// SignPublicKey is the hybrid signature verification key.
type SignPublicKey struct {
	Classical ed25519.PublicKey
	PQ        sign.PublicKey
}

// SignPrivateKey is the hybrid signing key.
type SignPrivateKey struct {
	Classical ed25519.PrivateKey
	PQ        sign.PrivateKey
}

// SignKeygen generates a fresh hybrid signing keypair.
func SignKeygen() (SignPublicKey, SignPrivateKey, error) {
	cpub, cpriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SignPublicKey{}, SignPrivateKey{}, fmt.Errorf("sign keygen: %w", err)
	}
	ppub, ppriv, err := dilithium.GenerateKey()
	if err != nil {
		return SignPublicKey{}, SignPrivateKey{}, fmt.Errorf("sign keygen: dilithium: %w", err)
	}
	return SignPublicKey{Classical: cpub, PQ: ppub}, SignPrivateKey{Classical: cpriv, PQ: ppriv}, nil
}

// Signature is a hybrid signature: both components must verify.
type Signature struct {
	Classical []byte
	PQ        []byte
}

// Sign signs msg with both halves of sk.
func Sign(sk SignPrivateKey, msg []byte) Signature {
	return Signature{
		Classical: ed25519.Sign(sk.Classical, msg),
		PQ:        dilithium.Sign(sk.PQ, msg, nil),
	}
}

// Verify reports whether both halves of sig verify against pk and msg.
func Verify(pk SignPublicKey, msg []byte, sig Signature) bool {
	if len(sig.Classical) == 0 || len(sig.PQ) == 0 {
		return false
	}
	okClassical := ed25519.Verify(pk.Classical, msg, sig.Classical)
	okPQ := dilithium.Verify(pk.PQ, msg, sig.PQ, nil)
	return okClassical && okPQ
}

// MarshalSignPublicKey serializes pk for wire transmission.
func MarshalSignPublicKey(pk SignPublicKey) ([]byte, error) {
	pqBytes, err := pk.PQ.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal sign public key: %w", err)
	}
	out := make([]byte, 0, len(pk.Classical)+len(pqBytes)+2)
	out = appendPrefixed(out, pk.Classical)
	out = appendPrefixed(out, pqBytes)
	return out, nil
}

// UnmarshalSignPublicKey parses a key produced by MarshalSignPublicKey.
func UnmarshalSignPublicKey(data []byte) (SignPublicKey, error) {
	classical, rest, err := readPrefixed(data)
	if err != nil {
		return SignPublicKey{}, fmt.Errorf("unmarshal sign public key: %w", err)
	}
	pqBytes, _, err := readPrefixed(rest)
	if err != nil {
		return SignPublicKey{}, fmt.Errorf("unmarshal sign public key: %w", err)
	}
	pq, err := dilithium.UnmarshalBinaryPublicKey(pqBytes)
	if err != nil {
		return SignPublicKey{}, fmt.Errorf("unmarshal sign public key: pq: %w", err)
	}
	return SignPublicKey{Classical: ed25519.PublicKey(classical), PQ: pq}, nil
}

// MarshalKEMPublicKey serializes pk for wire/registry transmission.
func MarshalKEMPublicKey(pk KEMPublicKey) []byte {
	out := make([]byte, 0, len(pk.Classical)+len(pk.PQ)+2)
	out = appendPrefixed(out, pk.Classical[:])
	return appendPrefixed(out, pk.PQ)
}

// UnmarshalKEMPublicKey parses a key produced by MarshalKEMPublicKey.
func UnmarshalKEMPublicKey(data []byte) (KEMPublicKey, error) {
	classical, rest, err := readPrefixed(data)
	if err != nil {
		return KEMPublicKey{}, fmt.Errorf("unmarshal kem public key: %w", err)
	}
	pq, _, err := readPrefixed(rest)
	if err != nil {
		return KEMPublicKey{}, fmt.Errorf("unmarshal kem public key: %w", err)
	}
	var out KEMPublicKey
	copy(out.Classical[:], classical)
	out.PQ = append([]byte(nil), pq...)
	return out, nil
}

// MarshalSignPrivateKey serializes sk for at-rest storage (never for wire
// transmission: a private key never crosses the network).
func MarshalSignPrivateKey(sk SignPrivateKey) ([]byte, error) {
	pqBytes, err := sk.PQ.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal sign private key: %w", err)
	}
	out := make([]byte, 0, len(sk.Classical)+len(pqBytes)+4)
	out = appendPrefixed(out, sk.Classical)
	out = appendPrefixed(out, pqBytes)
	return out, nil
}

// UnmarshalSignPrivateKey parses a key produced by MarshalSignPrivateKey.
func UnmarshalSignPrivateKey(data []byte) (SignPrivateKey, error) {
	classical, rest, err := readPrefixed(data)
	if err != nil {
		return SignPrivateKey{}, fmt.Errorf("unmarshal sign private key: %w", err)
	}
	pqBytes, _, err := readPrefixed(rest)
	if err != nil {
		return SignPrivateKey{}, fmt.Errorf("unmarshal sign private key: %w", err)
	}
	pq, err := dilithium.UnmarshalBinaryPrivateKey(pqBytes)
	if err != nil {
		return SignPrivateKey{}, fmt.Errorf("unmarshal sign private key: pq: %w", err)
	}
	return SignPrivateKey{Classical: ed25519.PrivateKey(classical), PQ: pq}, nil
}

// MarshalKEMPrivateKey serializes sk for at-rest storage.
func MarshalKEMPrivateKey(sk KEMPrivateKey) []byte {
	out := make([]byte, 0, len(sk.Classical)+len(sk.PQ)+4)
	out = appendPrefixed(out, sk.Classical[:])
	return appendPrefixed(out, sk.PQ)
}

// UnmarshalKEMPrivateKey parses a key produced by MarshalKEMPrivateKey.
func UnmarshalKEMPrivateKey(data []byte) (KEMPrivateKey, error) {
	classical, rest, err := readPrefixed(data)
	if err != nil {
		return KEMPrivateKey{}, fmt.Errorf("unmarshal kem private key: %w", err)
	}
	pq, _, err := readPrefixed(rest)
	if err != nil {
		return KEMPrivateKey{}, fmt.Errorf("unmarshal kem private key: %w", err)
	}
	var out KEMPrivateKey
	copy(out.Classical[:], classical)
	out.PQ = append([]byte(nil), pq...)
	return out, nil
}

func appendPrefixed(dst []byte, b []byte) []byte {
	var lenBuf [2]byte
	lenBuf[0] = byte(len(b) >> 8)
	lenBuf[1] = byte(len(b))
	dst = append(dst, lenBuf[:]...)
	return append(dst, b...)
}

func readPrefixed(b []byte) (field, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, errors.New("truncated length prefix")
	}
	n := int(b[0])<<8 | int(b[1])
	b = b[2:]
	if len(b) < n {
		return nil, nil, errors.New("truncated field")
	}
	return b[:n], b[n:], nil
}

// AEADEncrypt seals pt under key/nonce, authenticating aad.
func AEADEncrypt(key, nonce, aad, pt []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead encrypt: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("aead encrypt: nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce))
	}
	return aead.Seal(nil, nonce, pt, aad), nil
}

// AEADDecrypt opens ct under key/nonce, verifying aad. Returns an error on
// authentication failure.
func AEADDecrypt(key, nonce, aad, ct []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead decrypt: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("aead decrypt: nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce))
	}
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("aead decrypt: auth failed: %w", err)
	}
	return pt, nil
}

// NonceSize is the AEAD nonce length used throughout duskmesh.
const NonceSize = chacha20poly1305.NonceSizeX

// Hash returns the 32-byte SHA-256 digest of b.
func Hash(b ...[]byte) [HashSize]byte {
	h := sha256.New()
	for _, part := range b {
		h.Write(part)
	}
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// KDF expands shared into n bytes of key material bound to info, via HKDF-SHA256.
func KDF(shared []byte, info string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, shared, nil, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("kdf: %w", err)
	}
	return out, nil
}

// Proof is a (pk, sig) pair demonstrating control of sk without revealing
// it: sig signs "proof" ∥ nonce, binding the caller's identity to a
// server-issued challenge for the lifetime of one session.
type Proof struct {
	PublicKey SignPublicKey
	Signature Signature
}

var proofDomain = []byte("proof")

// MakeProof signs the server's challenge nonce with sk.
func MakeProof(sk SignPrivateKey, pk SignPublicKey, nonce []byte) Proof {
	msg := append(append([]byte{}, proofDomain...), nonce...)
	return Proof{PublicKey: pk, Signature: Sign(sk, msg)}
}

// VerifyProof checks that p was produced for nonce.
func VerifyProof(p Proof, nonce []byte) bool {
	msg := append(append([]byte{}, proofDomain...), nonce...)
	return Verify(p.PublicKey, msg, p.Signature)
}

// ConstantTimeEqual reports whether a and b are equal, in constant time.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
