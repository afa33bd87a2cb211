// Package replicate implements replication and redistribution across a
// chat's replication group (spec §4.6, C6): eager push on append, lazy
// pull with a nonce-bound consistency vote, and cap-preserving eviction
// convergence.
package replicate

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/duskmesh/core/internal/chat"
	"github.com/duskmesh/core/internal/cryptosuite"
	"github.com/duskmesh/core/internal/dht"
	"github.com/duskmesh/core/internal/errs"
)

// Client is the RPC surface replicate needs against a peer (spec §4.6).
// A real implementation dials out over internal/rpc; tests use an
// in-memory double.
type Client interface {
	Replicate(ctx context.Context, peer dht.Peer, name string, entry chat.Entry) error
	GetHash(ctx context.Context, peer dht.Peer, name string, nonce [32]byte) ([32]byte, bool, error)
	GetState(ctx context.Context, peer dht.Peer, name string) (chat.Snapshot, error)
}

// PushReplicate forwards entry to every other member of group (spec
// §4.6: "the holder forwards Replicate(name, entry) to the other r-1
// group members"). Best-effort: a single peer's failure does not abort
// the others, and all errors are returned together for the caller to log.
func PushReplicate(ctx context.Context, client Client, group []dht.Peer, self dht.ID, name string, entry chat.Entry) []error {
	var errsOut []error
	for _, peer := range group {
		if peer.ID == self {
			continue
		}
		if err := client.Replicate(ctx, peer, name, entry); err != nil {
			errsOut = append(errsOut, fmt.Errorf("replicate: push to %s: %w", peer.Address, err))
		}
	}
	return errsOut
}

// ApplyIncoming applies a pushed entry to the local machine, matching
// spec §4.6: "peers apply the entry only if entry.index == local.next_index;
// otherwise they enter reconciliation". On a gap, it returns chat.ErrGap
// so the caller can invoke Reconcile.
func ApplyIncoming(ctx context.Context, m *chat.Machine, caps chat.Caps, sigTail int, entry chat.Entry) error {
	return m.ApplyReplicated(ctx, caps, sigTail, entry)
}

// VoteResult is the winning outcome of a ConsistencyVote: quorum agreed on
// Hash under Nonce, and Peer is an arbitrary member holding that state.
type VoteResult struct {
	Peer  dht.Peer
	Nonce [32]byte
	Hash  [32]byte
}

// ConsistencyVote runs the lazy-pull vote (spec §4.6 steps 1–3): it picks
// a fresh common_nonce, asks every peer in group for GetHash under it,
// tallies responses, and reports a winning peer once at least quorum
// agree. quorum should be ⌈r/2⌉ where r = len(group)+1 (the group
// including self). The nonce is returned so Reconcile can verify the
// fetched state hashes to the same value under it (spec: "the vote's
// common_nonce prevents a peer from pre-computing and returning a canned
// hash").
func ConsistencyVote(ctx context.Context, client Client, group []dht.Peer, name string, quorum int) (VoteResult, bool, error) {
	var nonce [32]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return VoteResult{}, false, fmt.Errorf("replicate: consistency vote nonce: %w", err)
	}

	tally := make(map[[32]byte][]dht.Peer)
	for _, peer := range group {
		hash, ok, err := client.GetHash(ctx, peer, name, nonce)
		if err != nil || !ok {
			continue
		}
		tally[hash] = append(tally[hash], peer)
	}

	for hash, peers := range tally {
		if len(peers) >= quorum {
			return VoteResult{Peer: peers[0], Nonce: nonce, Hash: hash}, true, nil
		}
	}
	return VoteResult{}, false, nil
}

// Reconcile performs the lazy-pull fetch-and-verify (spec §4.6 steps 3–4):
// given a ConsistencyVote result, it fetches state from the winning peer,
// verifies it hashes to the same value under the vote's nonce, and
// installs it locally. Otherwise it returns NotFound and the caller should
// log a divergence warning (spec: "Otherwise return NotFound and log a
// divergence warning").
func Reconcile(ctx context.Context, client Client, m *chat.Machine, name string, vote VoteResult) error {
	snap, err := client.GetState(ctx, vote.Peer, name)
	if err != nil {
		return fmt.Errorf("replicate: get state from %s: %w", vote.Peer.Address, err)
	}
	digest, err := chat.MembersDigest(snap.Members)
	if err != nil {
		return fmt.Errorf("replicate: members digest: %w", err)
	}
	got := verifyHash(vote.Nonce, snap.ChainHead, snap.NextIndex, digest)
	if got != vote.Hash {
		return errs.ErrNotFound
	}
	return m.InstallSnapshot(ctx, snap)
}

func verifyHash(nonce [32]byte, chainHead [32]byte, nextIndex uint64, membersDigest [32]byte) [32]byte {
	var idxBuf [8]byte
	for i := 0; i < 8; i++ {
		idxBuf[i] = byte(nextIndex >> (56 - 8*i))
	}
	return cryptosuite.Hash(nonce[:], chainHead[:], idxBuf[:], membersDigest[:])
}
