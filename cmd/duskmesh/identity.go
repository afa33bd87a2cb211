package main

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/duskmesh/core/internal/cryptosuite"
	"github.com/duskmesh/core/internal/node"
)

// identityMagic is the file header for identity.enc, the same envelope
// shape the teacher uses for env.enc (MAGIC|salt|nonce|len|ciphertext).
var identityMagic = []byte("DMID1")

// identityKDF derives a 32B key from a passphrase and salt using Argon2id,
// the teacher's kdf parameters (m=64 MiB, t=2, p=1).
func identityKDF(pass, salt []byte) []byte {
	return argon2.IDKey(pass, salt, 2, 64*1024, 1, 32)
}

// wireIdentity is the JSON shape an identity file's plaintext takes;
// encoding/json base64-encodes the []byte fields automatically.
type wireIdentity struct {
	SignPub  []byte `json:"sign_pub"`
	SignPriv []byte `json:"sign_priv"`
	KEMPub   []byte `json:"kem_pub"`
	KEMPriv  []byte `json:"kem_priv"`
}

func marshalIdentity(id node.Identity) ([]byte, error) {
	signPub, err := cryptosuite.MarshalSignPublicKey(id.SignPub)
	if err != nil {
		return nil, fmt.Errorf("marshal sign public key: %w", err)
	}
	signPriv, err := cryptosuite.MarshalSignPrivateKey(id.SignPriv)
	if err != nil {
		return nil, fmt.Errorf("marshal sign private key: %w", err)
	}
	return json.Marshal(wireIdentity{
		SignPub:  signPub,
		SignPriv: signPriv,
		KEMPub:   cryptosuite.MarshalKEMPublicKey(id.KEMPub),
		KEMPriv:  cryptosuite.MarshalKEMPrivateKey(id.KEMPriv),
	})
}

func unmarshalIdentity(data []byte) (node.Identity, error) {
	var w wireIdentity
	if err := json.Unmarshal(data, &w); err != nil {
		return node.Identity{}, fmt.Errorf("unmarshal identity: %w", err)
	}
	signPub, err := cryptosuite.UnmarshalSignPublicKey(w.SignPub)
	if err != nil {
		return node.Identity{}, fmt.Errorf("unmarshal sign public key: %w", err)
	}
	signPriv, err := cryptosuite.UnmarshalSignPrivateKey(w.SignPriv)
	if err != nil {
		return node.Identity{}, fmt.Errorf("unmarshal sign private key: %w", err)
	}
	kemPub, err := cryptosuite.UnmarshalKEMPublicKey(w.KEMPub)
	if err != nil {
		return node.Identity{}, fmt.Errorf("unmarshal kem public key: %w", err)
	}
	kemPriv, err := cryptosuite.UnmarshalKEMPrivateKey(w.KEMPriv)
	if err != nil {
		return node.Identity{}, fmt.Errorf("unmarshal kem private key: %w", err)
	}
	return node.Identity{SignPub: signPub, SignPriv: signPriv, KEMPub: kemPub, KEMPriv: kemPriv}, nil
}

// generateIdentity creates a fresh hybrid signing/encapsulation keypair
// for a node that has never run before.
func generateIdentity() (node.Identity, error) {
	signPub, signPriv, err := cryptosuite.SignKeygen()
	if err != nil {
		return node.Identity{}, fmt.Errorf("generate sign keypair: %w", err)
	}
	kemPub, kemPriv, err := cryptosuite.KEMKeygen()
	if err != nil {
		return node.Identity{}, fmt.Errorf("generate kem keypair: %w", err)
	}
	return node.Identity{SignPub: signPub, SignPriv: signPriv, KEMPub: kemPub, KEMPriv: kemPriv}, nil
}

// sealIdentity encrypts id to path, passphrase-derived key via Argon2id,
// sealed with XChaCha20-Poly1305 (the teacher's sealEnvSecrets pattern,
// applied to a keypair instead of a pair of symmetric beacon/file keys).
func sealIdentity(path string, pass []byte, id node.Identity) error {
	plain, err := marshalIdentity(id)
	if err != nil {
		return err
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key := identityKDF(pass, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ct := aead.Seal(nil, nonce, plain, nil)

	out := make([]byte, 0, len(identityMagic)+16+len(nonce)+4+len(ct))
	out = append(out, identityMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	var lbuf [4]byte
	binary.BigEndian.PutUint32(lbuf[:], uint32(len(plain)))
	out = append(out, lbuf[:]...)
	out = append(out, ct...)

	return os.WriteFile(path, out, 0600)
}

// openIdentity decrypts an identity file written by sealIdentity.
func openIdentity(path string, pass []byte) (node.Identity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return node.Identity{}, err
	}
	min := len(identityMagic) + 16 + chacha20poly1305.NonceSizeX + 4
	if len(b) < min {
		return node.Identity{}, errors.New("identity.enc too short")
	}
	if string(b[:len(identityMagic)]) != string(identityMagic) {
		return node.Identity{}, errors.New("bad identity.enc magic")
	}
	offset := len(identityMagic)
	salt := b[offset : offset+16]
	offset += 16
	nonce := b[offset : offset+chacha20poly1305.NonceSizeX]
	offset += chacha20poly1305.NonceSizeX
	offset += 4 // plaintext length, unused on read
	ct := b[offset:]

	key := identityKDF(pass, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return node.Identity{}, err
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return node.Identity{}, errors.New("identity.enc decrypt failed (wrong passphrase?)")
	}
	return unmarshalIdentity(plain)
}
