package chat

import (
	"context"
	"encoding/binary"

	"github.com/duskmesh/core/internal/cryptosuite"
	"github.com/duskmesh/core/internal/errs"
)

// Snapshot is everything needed to install or vote on a chat's full state
// (spec §4.6: GetState / GetHash).
type Snapshot struct {
	Members   []Member
	NextIndex uint64
	ChainHead [32]byte
	Log       []Entry
}

// MembersDigest hashes the ordered member list (spec §4.6: "members_digest").
func MembersDigest(members []Member) ([32]byte, error) {
	var parts [][]byte
	for _, m := range members {
		b, err := cryptosuite.MarshalSignPublicKey(m.PublicKey)
		if err != nil {
			return [32]byte{}, err
		}
		parts = append(parts, b, []byte{m.Permission})
	}
	return cryptosuite.Hash(parts...), nil
}

// ConsistencyDigest computes hash(common_nonce ∥ chain_head_H ∥ next_index
// ∥ members_digest) (spec §4.6 step 2) for the chat's current state.
func (m *Machine) ConsistencyDigest(ctx context.Context, nonce [32]byte) ([32]byte, error) {
	val, err := m.submit(ctx, func(s *state) (any, error) {
		digest, err := MembersDigest(s.members)
		if err != nil {
			return [32]byte{}, err
		}
		var idxBuf [8]byte
		binary.BigEndian.PutUint64(idxBuf[:], s.nextIndex)
		h := cryptosuite.Hash(nonce[:], s.chainHead[:], idxBuf[:], digest[:])
		return h, nil
	})
	if err != nil {
		return [32]byte{}, err
	}
	return val.([32]byte), nil
}

// Snapshot returns the full state for GetState (spec §4.6).
func (m *Machine) Snapshot(ctx context.Context) (Snapshot, error) {
	val, err := m.submit(ctx, func(s *state) (any, error) {
		members := make([]Member, len(s.members))
		copy(members, s.members)
		log := make([]Entry, len(s.log))
		copy(log, s.log)
		return Snapshot{Members: members, NextIndex: s.nextIndex, ChainHead: s.chainHead, Log: log}, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return val.(Snapshot), nil
}

// InstallSnapshot replaces local state wholesale (spec §4.6 step 4:
// "Install the fetched state locally"), used after a consistency vote
// succeeds. Subscribers are not replayed the installed backlog — only
// entries appended after installation are pushed, matching §4.5's
// "subsequent SendMessage" scoping of Subscribe.
func (m *Machine) InstallSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := m.submit(ctx, func(s *state) (any, error) {
		s.members = append([]Member(nil), snap.Members...)
		s.nextIndex = snap.NextIndex
		s.chainHead = snap.ChainHead
		s.log = append([]Entry(nil), snap.Log...)
		s.logBytes = 0
		for _, e := range s.log {
			s.logBytes += len(e.Payload)
		}
		return nil, nil
	})
	return err
}

// ErrGap is returned by ApplyReplicated when entry.Index does not match
// the expected next_index, signaling the caller should reconcile (spec
// §4.6: "otherwise they enter reconciliation with the sender").
var ErrGap = errs.New(errs.Consistency, "replication gap")

// ApplyReplicated appends a replicated entry without re-running the
// issuer authorization checks SendMessage performs — the origin node
// already authorized it, and the signature (when retained) lets any
// later peer re-verify it independently (spec §4.6: eager push).
func (m *Machine) ApplyReplicated(ctx context.Context, caps Caps, sigTail int, entry Entry) error {
	_, err := m.submit(ctx, func(s *state) (any, error) {
		if entry.Index != s.nextIndex {
			return nil, ErrGap
		}
		s.chainHead = cryptosuite.Hash(s.chainHead[:], entry.Payload)
		entry.ChainHash = s.chainHead
		s.log = append(s.log, entry)
		s.logBytes += len(entry.Payload)
		s.nextIndex++
		evict(s, caps)
		retireSignatures(s, sigTail)
		s.publish(entry)
		return nil, nil
	})
	return err
}
