package chat

import (
	"context"

	"github.com/duskmesh/core/internal/cryptosuite"
	"github.com/duskmesh/core/internal/errs"
)

// authenticate verifies a caller's proof against the session challenge
// nonce (spec §4.5: "every control message carries a proof... binding the
// caller's public key to a server-issued challenge").
func authenticate(proof cryptosuite.Proof, challenge []byte) error {
	if !cryptosuite.VerifyProof(proof, challenge) {
		return errs.New(errs.Authorization, "chat: proof does not verify")
	}
	return nil
}

// CreateChat succeeds if the chat is empty of members (spec §4.5): the
// caller becomes the sole root member. Callers are responsible for
// checking replication-group membership (internal/dht.InGroup) before
// calling this, since that check does not depend on chat state.
func (m *Machine) CreateChat(ctx context.Context, creator cryptosuite.SignPublicKey, proof cryptosuite.Proof, challenge []byte) error {
	_, err := m.submit(ctx, func(s *state) (any, error) {
		if err := authenticate(proof, challenge); err != nil {
			return nil, err
		}
		if len(s.members) != 0 {
			return nil, errs.New(errs.Protocol, "chat: already created")
		}
		s.members = append(s.members, Member{PublicKey: creator, Permission: 0})
		return nil, nil
	})
	return err
}

// Invite adds newPK as a member with the given permission (spec §4.5):
// issuer must be a member with permission strictly less (higher
// authority) than permission, and nonce must exceed the issuer's last
// recorded action nonce.
func (m *Machine) Invite(ctx context.Context, issuer cryptosuite.SignPublicKey, newPK cryptosuite.SignPublicKey, permission uint8, proof cryptosuite.Proof, challenge []byte, nonce uint64) error {
	_, err := m.submit(ctx, func(s *state) (any, error) {
		if err := authenticate(proof, challenge); err != nil {
			return nil, err
		}
		issuerKey, err := memberKey(issuer)
		if err != nil {
			return nil, errs.Wrap(errs.Protocol, "chat: invalid issuer key", err)
		}
		idx, ok := s.memberByKey(issuerKey)
		if !ok {
			return nil, errs.ErrDenied
		}
		if err := checkNonce(s, issuerKey, nonce); err != nil {
			return nil, err
		}
		if s.members[idx].Permission >= permission {
			return nil, errs.ErrDenied
		}
		newKey, err := memberKey(newPK)
		if err != nil {
			return nil, errs.Wrap(errs.Protocol, "chat: invalid invitee key", err)
		}
		if _, exists := s.memberByKey(newKey); exists {
			return nil, errs.New(errs.Protocol, "chat: member already present")
		}
		s.members = append(s.members, Member{PublicKey: newPK, Permission: permission})
		s.actionNonces[issuerKey] = nonce
		return nil, nil
	})
	return err
}

// Remove drops target from membership (spec §4.5): issuer must outrank
// target. Removal is prospective only — no message history is hidden or
// re-authenticated (spec §10 Open Question, resolved: no epoch bump).
func (m *Machine) Remove(ctx context.Context, issuer, target cryptosuite.SignPublicKey, proof cryptosuite.Proof, challenge []byte, nonce uint64) error {
	_, err := m.submit(ctx, func(s *state) (any, error) {
		if err := authenticate(proof, challenge); err != nil {
			return nil, err
		}
		issuerKey, err := memberKey(issuer)
		if err != nil {
			return nil, errs.Wrap(errs.Protocol, "chat: invalid issuer key", err)
		}
		issuerIdx, ok := s.memberByKey(issuerKey)
		if !ok {
			return nil, errs.ErrDenied
		}
		if err := checkNonce(s, issuerKey, nonce); err != nil {
			return nil, err
		}
		targetKey, err := memberKey(target)
		if err != nil {
			return nil, errs.Wrap(errs.Protocol, "chat: invalid target key", err)
		}
		targetIdx, ok := s.memberByKey(targetKey)
		if !ok {
			return nil, errs.New(errs.Protocol, "chat: target is not a member")
		}
		if s.members[issuerIdx].Permission >= s.members[targetIdx].Permission {
			return nil, errs.ErrDenied
		}
		s.members = append(s.members[:targetIdx], s.members[targetIdx+1:]...)
		s.actionNonces[issuerKey] = nonce
		return nil, nil
	})
	return err
}

// SetPermission changes target's permission level (spec §4.5): issuer
// must outrank both target's current and proposed permission.
func (m *Machine) SetPermission(ctx context.Context, issuer, target cryptosuite.SignPublicKey, permission uint8, proof cryptosuite.Proof, challenge []byte, nonce uint64) error {
	_, err := m.submit(ctx, func(s *state) (any, error) {
		if err := authenticate(proof, challenge); err != nil {
			return nil, err
		}
		issuerKey, err := memberKey(issuer)
		if err != nil {
			return nil, errs.Wrap(errs.Protocol, "chat: invalid issuer key", err)
		}
		issuerIdx, ok := s.memberByKey(issuerKey)
		if !ok {
			return nil, errs.ErrDenied
		}
		if err := checkNonce(s, issuerKey, nonce); err != nil {
			return nil, err
		}
		targetKey, err := memberKey(target)
		if err != nil {
			return nil, errs.Wrap(errs.Protocol, "chat: invalid target key", err)
		}
		targetIdx, ok := s.memberByKey(targetKey)
		if !ok {
			return nil, errs.New(errs.Protocol, "chat: target is not a member")
		}
		if s.members[issuerIdx].Permission >= s.members[targetIdx].Permission || s.members[issuerIdx].Permission >= permission {
			return nil, errs.ErrDenied
		}
		s.members[targetIdx].Permission = permission
		s.actionNonces[issuerKey] = nonce
		return nil, nil
	})
	return err
}

func checkNonce(s *state, key string, nonce uint64) error {
	if last, ok := s.actionNonces[key]; ok && nonce <= last {
		return errs.ErrReplay
	}
	return nil
}

// SendMessage appends payload authored by issuer (spec §4.5): issuer must
// be a member with permission ≤ send_threshold. If the chat has no
// members yet, issuer becomes its sole root member first — this
// reconciles spec §3's lifecycle note ("chats are created on first
// successful SendMessage whose author becomes root") with §4.5's
// CreateChat operation: CreateChat is the explicit path, and an
// unclaimed chat's first SendMessage is equivalent to CreateChat
// followed by Append. Callers must still have checked replication-group
// membership before calling this.
func (m *Machine) SendMessage(ctx context.Context, issuer cryptosuite.SignPublicKey, payload []byte, proof cryptosuite.Proof, challenge []byte, nonce uint64, sign func([]byte) cryptosuite.Signature) (Entry, error) {
	val, err := m.submit(ctx, func(s *state) (any, error) {
		if err := authenticate(proof, challenge); err != nil {
			return Entry{}, err
		}
		issuerKey, err := memberKey(issuer)
		if err != nil {
			return Entry{}, errs.Wrap(errs.Protocol, "chat: invalid issuer key", err)
		}
		// An entry larger than the byte cap cannot be retained even after
		// evicting every older entry.
		if m.cfg.Caps.MaxBytes > 0 && len(payload) > m.cfg.Caps.MaxBytes {
			return Entry{}, errs.ErrOverflow
		}
		idx, ok := s.memberByKey(issuerKey)
		if !ok {
			if len(s.members) != 0 {
				return Entry{}, errs.ErrDenied
			}
			s.members = append(s.members, Member{PublicKey: issuer, Permission: 0})
			idx = 0
		}
		if err := checkNonce(s, issuerKey, nonce); err != nil {
			return Entry{}, err
		}
		if s.members[idx].Permission > m.cfg.SendThreshold {
			return Entry{}, errs.ErrDenied
		}
		entry := s.append(issuer, payload, sign)
		evict(s, m.cfg.Caps)
		retireSignatures(s, m.cfg.SignatureTail)
		s.actionNonces[issuerKey] = nonce
		s.publish(entry)
		return entry, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return val.(Entry), nil
}

func (s *state) append(author cryptosuite.SignPublicKey, payload []byte, sign func([]byte) cryptosuite.Signature) Entry {
	index := s.nextIndex
	payloadHash := cryptosuite.Hash(payload)
	s.chainHead = cryptosuite.Hash(s.chainHead[:], payload)
	var sig *cryptosuite.Signature
	if sign != nil {
		produced := sign(signedBody(s.name, index, payloadHash[:]))
		sig = &produced
	}
	entry := Entry{Index: index, AuthorPK: author, Payload: payload, ChainHash: s.chainHead, Signature: sig}
	s.log = append(s.log, entry)
	s.logBytes += len(payload)
	s.nextIndex++
	return entry
}

func signedBody(name string, index uint64, payloadHash []byte) []byte {
	var idxBuf [8]byte
	for i := 0; i < 8; i++ {
		idxBuf[i] = byte(index >> (56 - 8*i))
	}
	out := append([]byte(name), idxBuf[:]...)
	return append(out, payloadHash...)
}

// evict drops the oldest entries while caps are exceeded (spec §4.5/§4.6:
// "evict oldest entries while caps are exceeded... so that all honest
// replicas converge on the same tail"). Retiring old signatures is left to
// retireSignatures.
func evict(s *state, caps Caps) {
	for (caps.MaxCount > 0 && len(s.log) > caps.MaxCount) ||
		(caps.MaxBytes > 0 && s.logBytes > caps.MaxBytes) {
		if len(s.log) == 0 {
			break
		}
		s.logBytes -= len(s.log[0].Payload)
		s.log = s.log[1:]
	}
}

func retireSignatures(s *state, tail int) {
	if tail <= 0 || len(s.log) <= tail {
		return
	}
	cut := len(s.log) - tail
	for i := 0; i < cut; i++ {
		s.log[i].Signature = nil
	}
}

// publish pushes entry to every subscriber, dropping (and unsubscribing)
// any whose buffer is full rather than blocking the owning goroutine.
func (s *state) publish(entry Entry) {
	for id, sub := range s.subscribers {
		select {
		case sub.Ch <- entry:
		default:
			close(sub.Ch)
			delete(s.subscribers, id)
		}
	}
}

// FetchMessages returns up to limit entries with index > cursor,
// newest-first, plus a new cursor (spec §4.5). cursor 0 is the
// bootstrap sentinel: "nothing seen yet", so it also admits the entry
// at index 0 (spec S1: cursor 0 on a fresh chat returns exactly the
// one entry at index 0).
func (m *Machine) FetchMessages(ctx context.Context, cursor uint64, limit int) ([]Entry, uint64, error) {
	val, err := m.submit(ctx, func(s *state) (any, error) {
		var out []Entry
		for i := len(s.log) - 1; i >= 0 && len(out) < limit; i-- {
			if cursor == 0 || s.log[i].Index > cursor {
				out = append(out, s.log[i])
			}
		}
		newCursor := cursor
		if len(s.log) > 0 {
			newCursor = s.log[len(s.log)-1].Index
		}
		return fetchResult{entries: out, cursor: newCursor}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	r := val.(fetchResult)
	return r.entries, r.cursor, nil
}

type fetchResult struct {
	entries []Entry
	cursor  uint64
}

// Subscribe registers a new subscriber for push delivery of subsequent
// SendMessage entries (spec §4.5), returning the subscription so the
// caller can read from Ch and later call Unsubscribe.
func (m *Machine) Subscribe(ctx context.Context) (*Subscriber, error) {
	val, err := m.submit(ctx, func(s *state) (any, error) {
		id := s.nextSubID
		s.nextSubID++
		sub := &Subscriber{ID: id, Ch: make(chan Entry, m.cfg.SubscriberBuf)}
		s.subscribers[id] = sub
		return sub, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*Subscriber), nil
}

// Unsubscribe removes and closes a subscriber registered via Subscribe.
func (m *Machine) Unsubscribe(ctx context.Context, id uint64) error {
	_, err := m.submit(ctx, func(s *state) (any, error) {
		if sub, ok := s.subscribers[id]; ok {
			close(sub.Ch)
			delete(s.subscribers, id)
		}
		return nil, nil
	})
	return err
}

// Members returns a snapshot of current membership, for tests and for the
// replication layer's members_digest (spec §4.6).
func (m *Machine) Members(ctx context.Context) ([]Member, error) {
	val, err := m.submit(ctx, func(s *state) (any, error) {
		out := make([]Member, len(s.members))
		copy(out, s.members)
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]Member), nil
}
