package node

import (
	"context"
	"fmt"

	"github.com/duskmesh/core/internal/chat"
	"github.com/duskmesh/core/internal/dht"
	"github.com/duskmesh/core/internal/rpc"
	"github.com/duskmesh/core/internal/transport"
)

// rpcClient implements replicate.Client by opening a libp2p stream to
// the peer and speaking one request/response RPC exchange over it,
// mirroring the teacher's short-lived per-request stream style in
// node.go's handleChatStream rather than a long-lived multiplexed
// session.
type rpcClient struct {
	host *transport.Host
}

func (c *rpcClient) call(ctx context.Context, peer dht.Peer, msg rpc.Message) (rpc.Message, error) {
	pid, err := peerIDFromAddress(peer.Address)
	if err != nil {
		return rpc.Message{}, fmt.Errorf("node: rpc client: bad peer address %q: %w", peer.Address, err)
	}
	s, err := c.host.NewStream(ctx, pid, Protocol)
	if err != nil {
		return rpc.Message{}, fmt.Errorf("node: rpc client: dial %s: %w", peer.Address, err)
	}
	defer s.Close()

	if err := rpc.WriteMessage(s, msg); err != nil {
		return rpc.Message{}, fmt.Errorf("node: rpc client: write: %w", err)
	}
	reply, err := rpc.ReadMessage(s)
	if err != nil {
		return rpc.Message{}, fmt.Errorf("node: rpc client: read: %w", err)
	}
	if reply.Op == rpc.OpError {
		msg, _ := rpc.NewBodyReader(reply.Body).String()
		return rpc.Message{}, fmt.Errorf("node: rpc client: remote error: %s", msg)
	}
	return reply, nil
}

func (c *rpcClient) Replicate(ctx context.Context, peer dht.Peer, name string, entry chat.Entry) error {
	var w rpc.BodyWriter
	w.PutString(name)
	if err := putEntry(&w, entry); err != nil {
		return err
	}
	_, err := c.call(ctx, peer, rpc.Message{Op: rpc.OpReplicate, Body: w.Bytes()})
	return err
}

func (c *rpcClient) GetHash(ctx context.Context, peer dht.Peer, name string, nonce [32]byte) ([32]byte, bool, error) {
	var w rpc.BodyWriter
	w.PutString(name)
	w.PutBlob(nonce[:])
	reply, err := c.call(ctx, peer, rpc.Message{Op: rpc.OpGetHash, Body: w.Bytes()})
	if err != nil {
		return [32]byte{}, false, nil // unreachable peers simply don't vote
	}
	hashBytes, err := rpc.NewBodyReader(reply.Body).Blob()
	if err != nil {
		return [32]byte{}, false, err
	}
	var hash [32]byte
	copy(hash[:], hashBytes)
	return hash, true, nil
}

func (c *rpcClient) GetState(ctx context.Context, peer dht.Peer, name string) (chat.Snapshot, error) {
	var w rpc.BodyWriter
	w.PutString(name)
	reply, err := c.call(ctx, peer, rpc.Message{Op: rpc.OpGetState, Body: w.Bytes()})
	if err != nil {
		return chat.Snapshot{}, err
	}
	return readSnapshot(rpc.NewBodyReader(reply.Body))
}
