// wire.go encodes and decodes the chat/replication domain types
// (chat.Entry, chat.Snapshot, cryptosuite.Proof/Signature/keys) onto the
// rpc package's length-prefixed body codec, the way the teacher's
// chat.go hand-rolls its own JSON envelope for each message kind.
package node

import (
	"fmt"

	"github.com/duskmesh/core/internal/chat"
	"github.com/duskmesh/core/internal/cryptosuite"
	"github.com/duskmesh/core/internal/rpc"
)

func putSignPublicKey(w *rpc.BodyWriter, pk cryptosuite.SignPublicKey) error {
	b, err := cryptosuite.MarshalSignPublicKey(pk)
	if err != nil {
		return fmt.Errorf("node: marshal sign public key: %w", err)
	}
	w.PutBlob(b)
	return nil
}

func readSignPublicKey(r *rpc.BodyReader) (cryptosuite.SignPublicKey, error) {
	b, err := r.Blob()
	if err != nil {
		return cryptosuite.SignPublicKey{}, err
	}
	return cryptosuite.UnmarshalSignPublicKey(b)
}

func putSignature(w *rpc.BodyWriter, sig *cryptosuite.Signature) {
	if sig == nil {
		w.PutBlob(nil)
		w.PutBlob(nil)
		return
	}
	w.PutBlob(sig.Classical)
	w.PutBlob(sig.PQ)
}

func readSignature(r *rpc.BodyReader) (*cryptosuite.Signature, error) {
	classical, err := r.Blob()
	if err != nil {
		return nil, err
	}
	pq, err := r.Blob()
	if err != nil {
		return nil, err
	}
	if len(classical) == 0 && len(pq) == 0 {
		return nil, nil
	}
	return &cryptosuite.Signature{Classical: classical, PQ: pq}, nil
}

func putProof(w *rpc.BodyWriter, p cryptosuite.Proof) error {
	if err := putSignPublicKey(w, p.PublicKey); err != nil {
		return err
	}
	w.PutBlob(p.Signature.Classical)
	w.PutBlob(p.Signature.PQ)
	return nil
}

func readProof(r *rpc.BodyReader) (cryptosuite.Proof, error) {
	pk, err := readSignPublicKey(r)
	if err != nil {
		return cryptosuite.Proof{}, err
	}
	classical, err := r.Blob()
	if err != nil {
		return cryptosuite.Proof{}, err
	}
	pq, err := r.Blob()
	if err != nil {
		return cryptosuite.Proof{}, err
	}
	return cryptosuite.Proof{PublicKey: pk, Signature: cryptosuite.Signature{Classical: classical, PQ: pq}}, nil
}

func putEntry(w *rpc.BodyWriter, e chat.Entry) error {
	w.PutUint64(e.Index)
	if err := putSignPublicKey(w, e.AuthorPK); err != nil {
		return err
	}
	w.PutBlob(e.Payload)
	w.PutBlob(e.ChainHash[:])
	putSignature(w, e.Signature)
	return nil
}

func readEntry(r *rpc.BodyReader) (chat.Entry, error) {
	index, err := r.Uint64()
	if err != nil {
		return chat.Entry{}, err
	}
	authorPK, err := readSignPublicKey(r)
	if err != nil {
		return chat.Entry{}, err
	}
	payload, err := r.Blob()
	if err != nil {
		return chat.Entry{}, err
	}
	chainHashBytes, err := r.Blob()
	if err != nil {
		return chat.Entry{}, err
	}
	sig, err := readSignature(r)
	if err != nil {
		return chat.Entry{}, err
	}
	var chainHash [32]byte
	copy(chainHash[:], chainHashBytes)
	return chat.Entry{Index: index, AuthorPK: authorPK, Payload: payload, ChainHash: chainHash, Signature: sig}, nil
}

func putMembers(w *rpc.BodyWriter, members []chat.Member) error {
	w.PutUint64(uint64(len(members)))
	for _, m := range members {
		if err := putSignPublicKey(w, m.PublicKey); err != nil {
			return err
		}
		w.PutUint64(uint64(m.Permission))
	}
	return nil
}

func readMembers(r *rpc.BodyReader) ([]chat.Member, error) {
	n, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	out := make([]chat.Member, n)
	for i := range out {
		pk, err := readSignPublicKey(r)
		if err != nil {
			return nil, err
		}
		perm, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		out[i] = chat.Member{PublicKey: pk, Permission: uint8(perm)}
	}
	return out, nil
}

func putSnapshot(w *rpc.BodyWriter, s chat.Snapshot) error {
	if err := putMembers(w, s.Members); err != nil {
		return err
	}
	w.PutUint64(s.NextIndex)
	w.PutBlob(s.ChainHead[:])
	w.PutUint64(uint64(len(s.Log)))
	for _, e := range s.Log {
		if err := putEntry(w, e); err != nil {
			return err
		}
	}
	return nil
}

func readSnapshot(r *rpc.BodyReader) (chat.Snapshot, error) {
	members, err := readMembers(r)
	if err != nil {
		return chat.Snapshot{}, err
	}
	nextIndex, err := r.Uint64()
	if err != nil {
		return chat.Snapshot{}, err
	}
	chainHeadBytes, err := r.Blob()
	if err != nil {
		return chat.Snapshot{}, err
	}
	count, err := r.Uint64()
	if err != nil {
		return chat.Snapshot{}, err
	}
	log := make([]chat.Entry, count)
	for i := range log {
		e, err := readEntry(r)
		if err != nil {
			return chat.Snapshot{}, err
		}
		log[i] = e
	}
	var chainHead [32]byte
	copy(chainHead[:], chainHeadBytes)
	return chat.Snapshot{Members: members, NextIndex: nextIndex, ChainHead: chainHead, Log: log}, nil
}
