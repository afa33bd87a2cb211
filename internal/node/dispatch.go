package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/duskmesh/core/internal/chat"
	"github.com/duskmesh/core/internal/errs"
	"github.com/duskmesh/core/internal/rpc"
)

// dispatch handles one RPC message against this node's local chat/
// replication state (spec §6's op-code classes). Onion control op-codes
// (ClassOnion) are not handled here: like any other op-code outside the
// chat, replication and diagnostic classes they are rejected with an
// "unhandled op-code" protocol error.
// s and writeMu identify the owning stream so a chat subscription can
// push further frames on it after this call returns its reply.
func (n *Node) dispatch(ctx context.Context, msg rpc.Message, s network.Stream, writeMu *sync.Mutex) (rpc.Message, error) {
	switch rpc.ClassOf(msg.Op) {
	case rpc.ClassChat:
		return n.dispatchChat(ctx, msg, s, writeMu)
	case rpc.ClassReplication:
		return n.dispatchReplication(ctx, msg)
	case rpc.ClassDiagnostic:
		return n.dispatchDiagnostic(msg)
	default:
		return rpc.Message{}, errs.New(errs.Protocol, fmt.Sprintf("unhandled op-code 0x%02x", msg.Op))
	}
}

func (n *Node) dispatchDiagnostic(msg rpc.Message) (rpc.Message, error) {
	switch msg.Op {
	case rpc.OpPing:
		return rpc.Message{Op: rpc.OpPong, RequestID: msg.RequestID}, nil
	default:
		return rpc.Message{}, errs.New(errs.Protocol, "unsupported diagnostic op")
	}
}

func (n *Node) dispatchChat(ctx context.Context, msg rpc.Message, s network.Stream, writeMu *sync.Mutex) (rpc.Message, error) {
	r := rpc.NewBodyReader(msg.Body)
	name, err := r.String()
	if err != nil {
		return rpc.Message{}, errs.Wrap(errs.Protocol, "chat op: missing chat name", err)
	}

	if (msg.Op == rpc.OpCreateChat || msg.Op == rpc.OpSendMessage) && !n.InGroup(name) {
		return rpc.Message{}, errs.New(errs.Authorization, "chat op: node is not in the replication group for this chat")
	}

	m := n.EnsureChat(ctx, name)

	switch msg.Op {
	case rpc.OpCreateChat:
		proof, err := readProof(r)
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "create chat: proof", err)
		}
		challenge, err := r.Blob()
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "create chat: challenge", err)
		}
		if err := m.CreateChat(ctx, proof.PublicKey, proof, challenge); err != nil {
			return rpc.Message{}, err
		}
		return rpc.Message{Op: rpc.OpCreateChat, RequestID: msg.RequestID}, nil

	case rpc.OpInvite:
		newPK, err := readSignPublicKey(r)
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "invite: invitee key", err)
		}
		permission, err := r.Uint64()
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "invite: permission", err)
		}
		proof, err := readProof(r)
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "invite: proof", err)
		}
		challenge, err := r.Blob()
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "invite: challenge", err)
		}
		nonce, err := r.Uint64()
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "invite: nonce", err)
		}
		if err := m.Invite(ctx, proof.PublicKey, newPK, uint8(permission), proof, challenge, nonce); err != nil {
			return rpc.Message{}, err
		}
		return rpc.Message{Op: rpc.OpInvite, RequestID: msg.RequestID}, nil

	case rpc.OpRemove:
		target, err := readSignPublicKey(r)
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "remove: target key", err)
		}
		proof, err := readProof(r)
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "remove: proof", err)
		}
		challenge, err := r.Blob()
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "remove: challenge", err)
		}
		nonce, err := r.Uint64()
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "remove: nonce", err)
		}
		if err := m.Remove(ctx, proof.PublicKey, target, proof, challenge, nonce); err != nil {
			return rpc.Message{}, err
		}
		return rpc.Message{Op: rpc.OpRemove, RequestID: msg.RequestID}, nil

	case rpc.OpSetPermission:
		target, err := readSignPublicKey(r)
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "set permission: target key", err)
		}
		permission, err := r.Uint64()
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "set permission: permission", err)
		}
		proof, err := readProof(r)
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "set permission: proof", err)
		}
		challenge, err := r.Blob()
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "set permission: challenge", err)
		}
		nonce, err := r.Uint64()
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "set permission: nonce", err)
		}
		if err := m.SetPermission(ctx, proof.PublicKey, target, uint8(permission), proof, challenge, nonce); err != nil {
			return rpc.Message{}, err
		}
		return rpc.Message{Op: rpc.OpSetPermission, RequestID: msg.RequestID}, nil

	case rpc.OpSendMessage:
		payload, err := r.Blob()
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "send message: payload", err)
		}
		proof, err := readProof(r)
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "send message: proof", err)
		}
		challenge, err := r.Blob()
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "send message: challenge", err)
		}
		nonce, err := r.Uint64()
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "send message: nonce", err)
		}
		// RPC-submitted messages carry no per-message signature: the
		// signed body includes the server-assigned index, which the
		// caller cannot know in advance, so authenticity here rests on
		// the session proof plus chain-hash archival rather than a
		// per-entry signature (see DESIGN.md: internal/node).
		entry, err := m.SendMessage(ctx, proof.PublicKey, payload, proof, challenge, nonce, nil)
		if err != nil {
			return rpc.Message{}, err
		}
		n.PublishSendMessage(ctx, name, entry)
		var w rpc.BodyWriter
		if err := putEntry(&w, entry); err != nil {
			return rpc.Message{}, errs.Wrap(errs.Internal, "send message: encode reply", err)
		}
		return rpc.Message{Op: rpc.OpSendMessage, RequestID: msg.RequestID, Body: w.Bytes()}, nil

	case rpc.OpFetchMessages:
		cursor, err := r.Uint64()
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "fetch messages: cursor", err)
		}
		limit, err := r.Uint64()
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "fetch messages: limit", err)
		}
		entries, newCursor, err := m.FetchMessages(ctx, cursor, int(limit))
		if err != nil {
			return rpc.Message{}, err
		}
		var w rpc.BodyWriter
		w.PutUint64(newCursor)
		w.PutUint64(uint64(len(entries)))
		for _, e := range entries {
			if err := putEntry(&w, e); err != nil {
				return rpc.Message{}, errs.Wrap(errs.Internal, "fetch messages: encode reply", err)
			}
		}
		return rpc.Message{Op: rpc.OpFetchMessages, RequestID: msg.RequestID, Body: w.Bytes()}, nil

	case rpc.OpSubscribe:
		sub, err := m.Subscribe(ctx)
		if err != nil {
			return rpc.Message{}, err
		}
		go n.pushSubscription(s, writeMu, name, sub)
		var w rpc.BodyWriter
		w.PutUint64(sub.ID)
		return rpc.Message{Op: rpc.OpSubscribe, RequestID: msg.RequestID, Body: w.Bytes()}, nil

	case rpc.OpUnsubscribe:
		subID, err := r.Uint64()
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "unsubscribe: subscriber id", err)
		}
		if err := m.Unsubscribe(ctx, subID); err != nil {
			return rpc.Message{}, err
		}
		return rpc.Message{Op: rpc.OpUnsubscribe, RequestID: msg.RequestID}, nil

	default:
		return rpc.Message{}, errs.New(errs.Protocol, "unsupported chat op")
	}
}

// pushSubscription streams entries for sub over s as publish delivers
// them (spec §4.5/§6 push delivery), guarding writes against the
// request/reply loop sharing the same stream, until sub.Ch closes
// (Unsubscribe, or publish dropping a full subscriber).
func (n *Node) pushSubscription(s network.Stream, writeMu *sync.Mutex, name string, sub *chat.Subscriber) {
	for entry := range sub.Ch {
		var w rpc.BodyWriter
		if err := putEntry(&w, entry); err != nil {
			log.Debugf("subscription push %q: encode entry: %v", name, err)
			continue
		}
		msg := rpc.Message{Op: rpc.OpSendMessage, RequestID: sub.ID, Body: w.Bytes()}
		writeMu.Lock()
		err := rpc.WriteMessage(s, msg)
		writeMu.Unlock()
		if err != nil {
			log.Debugf("subscription push %q: %v", name, err)
			return
		}
	}
}

func (n *Node) dispatchReplication(ctx context.Context, msg rpc.Message) (rpc.Message, error) {
	r := rpc.NewBodyReader(msg.Body)
	name, err := r.String()
	if err != nil {
		return rpc.Message{}, errs.Wrap(errs.Protocol, "replication op: missing chat name", err)
	}
	m := n.GetOrCreateChat(name)

	switch msg.Op {
	case rpc.OpReplicate:
		entry, err := readEntry(r)
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "replicate: entry", err)
		}
		if err := m.ApplyReplicated(ctx, n.cfg.ChatCaps(), chat.DefaultSignatureTail, entry); err != nil {
			return rpc.Message{}, err
		}
		return rpc.Message{Op: rpc.OpAckReplicate, RequestID: msg.RequestID}, nil

	case rpc.OpGetHash:
		nonceBytes, err := r.Blob()
		if err != nil {
			return rpc.Message{}, errs.Wrap(errs.Protocol, "get hash: nonce", err)
		}
		var nonce [32]byte
		copy(nonce[:], nonceBytes)
		hash, err := m.ConsistencyDigest(ctx, nonce)
		if err != nil {
			return rpc.Message{}, err
		}
		var w rpc.BodyWriter
		w.PutBlob(hash[:])
		return rpc.Message{Op: rpc.OpGetHash, RequestID: msg.RequestID, Body: w.Bytes()}, nil

	case rpc.OpGetState:
		snap, err := m.Snapshot(ctx)
		if err != nil {
			return rpc.Message{}, err
		}
		var w rpc.BodyWriter
		if err := putSnapshot(&w, snap); err != nil {
			return rpc.Message{}, errs.Wrap(errs.Internal, "get state: encode reply", err)
		}
		return rpc.Message{Op: rpc.OpGetState, RequestID: msg.RequestID, Body: w.Bytes()}, nil

	default:
		return rpc.Message{}, errs.New(errs.Protocol, "unsupported replication op")
	}
}
