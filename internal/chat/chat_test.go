package chat

import (
	"context"
	"testing"

	"github.com/duskmesh/core/internal/cryptosuite"
)

type identity struct {
	pub  cryptosuite.SignPublicKey
	priv cryptosuite.SignPrivateKey
}

func mustIdentity(t *testing.T) identity {
	t.Helper()
	pub, priv, err := cryptosuite.SignKeygen()
	if err != nil {
		t.Fatalf("sign keygen: %v", err)
	}
	return identity{pub: pub, priv: priv}
}

func (id identity) proof(challenge []byte) cryptosuite.Proof {
	return cryptosuite.MakeProof(id.priv, id.pub, challenge)
}

func newTestMachine(t *testing.T) (*Machine, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cfg := DefaultConfig(Caps{MaxBytes: 1 << 20, MaxCount: 1000})
	return NewMachine(ctx, "test-chat", cfg), ctx
}

func TestCreateChatMakesCallerRoot(t *testing.T) {
	m, ctx := newTestMachine(t)
	root := mustIdentity(t)
	challenge := []byte("challenge-1")
	if err := m.CreateChat(ctx, root.pub, root.proof(challenge), challenge); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	members, err := m.Members(ctx)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 || members[0].Permission != 0 {
		t.Fatalf("expected sole root member, got %+v", members)
	}

	if err := m.CreateChat(ctx, root.pub, root.proof(challenge), challenge); err == nil {
		t.Fatalf("expected second CreateChat to fail")
	}
}

func TestInviteRequiresStrictlyHigherAuthority(t *testing.T) {
	m, ctx := newTestMachine(t)
	root := mustIdentity(t)
	challenge := []byte("c")
	if err := m.CreateChat(ctx, root.pub, root.proof(challenge), challenge); err != nil {
		t.Fatalf("create chat: %v", err)
	}

	newMember := mustIdentity(t)
	if err := m.Invite(ctx, root.pub, newMember.pub, 10, root.proof(challenge), challenge, 1); err != nil {
		t.Fatalf("invite: %v", err)
	}

	another := mustIdentity(t)
	// newMember (perm 10) cannot invite at perm <= 10.
	if err := m.Invite(ctx, newMember.pub, another.pub, 10, newMember.proof(challenge), challenge, 1); err == nil {
		t.Fatalf("expected invite at equal-or-lower authority to be denied")
	}
	// But can invite at a strictly lower authority (higher number).
	if err := m.Invite(ctx, newMember.pub, another.pub, 20, newMember.proof(challenge), challenge, 1); err != nil {
		t.Fatalf("invite at lower authority: %v", err)
	}
}

func TestInviteNonceMustExceedLastRecorded(t *testing.T) {
	m, ctx := newTestMachine(t)
	root := mustIdentity(t)
	challenge := []byte("c")
	if err := m.CreateChat(ctx, root.pub, root.proof(challenge), challenge); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	a := mustIdentity(t)
	b := mustIdentity(t)
	if err := m.Invite(ctx, root.pub, a.pub, 5, root.proof(challenge), challenge, 1); err != nil {
		t.Fatalf("invite a: %v", err)
	}
	if err := m.Invite(ctx, root.pub, b.pub, 5, root.proof(challenge), challenge, 1); err == nil {
		t.Fatalf("expected replayed nonce to be rejected")
	}
	if err := m.Invite(ctx, root.pub, b.pub, 5, root.proof(challenge), challenge, 2); err != nil {
		t.Fatalf("invite b with higher nonce: %v", err)
	}
}

func TestRemoveRequiresOutranking(t *testing.T) {
	m, ctx := newTestMachine(t)
	root := mustIdentity(t)
	challenge := []byte("c")
	m.CreateChat(ctx, root.pub, root.proof(challenge), challenge)
	a := mustIdentity(t)
	m.Invite(ctx, root.pub, a.pub, 5, root.proof(challenge), challenge, 1)

	if err := m.Remove(ctx, a.pub, root.pub, a.proof(challenge), challenge, 1); err == nil {
		t.Fatalf("expected lower-authority member to fail removing root")
	}
	if err := m.Remove(ctx, root.pub, a.pub, root.proof(challenge), challenge, 2); err != nil {
		t.Fatalf("remove: %v", err)
	}
	members, _ := m.Members(ctx)
	if len(members) != 1 {
		t.Fatalf("expected member removed, got %+v", members)
	}
}

func TestSendMessageAppendsAndChainsHash(t *testing.T) {
	m, ctx := newTestMachine(t)
	root := mustIdentity(t)
	challenge := []byte("c")
	m.CreateChat(ctx, root.pub, root.proof(challenge), challenge)

	sign := func(body []byte) cryptosuite.Signature { return cryptosuite.Sign(root.priv, body) }
	e1, err := m.SendMessage(ctx, root.pub, []byte("hello"), root.proof(challenge), challenge, 1, sign)
	if err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if e1.Index != 0 {
		t.Fatalf("expected first index 0, got %d", e1.Index)
	}
	e2, err := m.SendMessage(ctx, root.pub, []byte("world"), root.proof(challenge), challenge, 2, sign)
	if err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if e2.Index != 1 {
		t.Fatalf("expected second index 1, got %d", e2.Index)
	}
	if e1.ChainHash == e2.ChainHash {
		t.Fatalf("expected chain hash to change between entries")
	}
}

func TestSendMessageOnUnclaimedChatCreatesRoot(t *testing.T) {
	m, ctx := newTestMachine(t)
	author := mustIdentity(t)
	challenge := []byte("c")
	sign := func(body []byte) cryptosuite.Signature { return cryptosuite.Sign(author.priv, body) }
	if _, err := m.SendMessage(ctx, author.pub, []byte("first"), author.proof(challenge), challenge, 1, sign); err != nil {
		t.Fatalf("send: %v", err)
	}
	members, _ := m.Members(ctx)
	if len(members) != 1 || members[0].Permission != 0 {
		t.Fatalf("expected sender to become sole root, got %+v", members)
	}
}

func TestFetchMessagesReturnsNewestFirstAboveCursor(t *testing.T) {
	m, ctx := newTestMachine(t)
	root := mustIdentity(t)
	challenge := []byte("c")
	m.CreateChat(ctx, root.pub, root.proof(challenge), challenge)
	sign := func(body []byte) cryptosuite.Signature { return cryptosuite.Sign(root.priv, body) }
	for i := 0; i < 5; i++ {
		if _, err := m.SendMessage(ctx, root.pub, []byte{byte(i)}, root.proof(challenge), challenge, uint64(i+1), sign); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	entries, cursor, err := m.FetchMessages(ctx, 1, 2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(entries) != 2 || entries[0].Index != 4 || entries[1].Index != 3 {
		t.Fatalf("expected newest-first [4,3], got %+v", entries)
	}
	if cursor != 4 {
		t.Fatalf("expected cursor 4, got %d", cursor)
	}
}

func TestFetchMessagesCursorZeroReturnsIndexZero(t *testing.T) {
	m, ctx := newTestMachine(t)
	root := mustIdentity(t)
	challenge := []byte("c")
	m.CreateChat(ctx, root.pub, root.proof(challenge), challenge)
	sign := func(body []byte) cryptosuite.Signature { return cryptosuite.Sign(root.priv, body) }
	if _, err := m.SendMessage(ctx, root.pub, []byte("hello"), root.proof(challenge), challenge, 1, sign); err != nil {
		t.Fatalf("send: %v", err)
	}
	entries, cursor, err := m.FetchMessages(ctx, 0, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(entries) != 1 || entries[0].Index != 0 {
		t.Fatalf("expected exactly one entry at index 0, got %+v", entries)
	}
	if cursor != 0 {
		t.Fatalf("expected cursor 0, got %d", cursor)
	}
}

func TestCapsEvictOldestFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := DefaultConfig(Caps{MaxCount: 3})
	m := NewMachine(ctx, "capped", cfg)
	root := mustIdentity(t)
	challenge := []byte("c")
	m.CreateChat(ctx, root.pub, root.proof(challenge), challenge)
	sign := func(body []byte) cryptosuite.Signature { return cryptosuite.Sign(root.priv, body) }
	for i := 0; i < 5; i++ {
		if _, err := m.SendMessage(ctx, root.pub, []byte{byte(i)}, root.proof(challenge), challenge, uint64(i+1), sign); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	entries, _, err := m.FetchMessages(ctx, 0, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected cap of 3 entries retained, got %d", len(entries))
	}
	if entries[len(entries)-1].Index != 2 {
		t.Fatalf("expected oldest retained index 2, got %d", entries[len(entries)-1].Index)
	}
}

func TestSubscribePushesInFIFOOrder(t *testing.T) {
	m, ctx := newTestMachine(t)
	root := mustIdentity(t)
	challenge := []byte("c")
	m.CreateChat(ctx, root.pub, root.proof(challenge), challenge)
	sub, err := m.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sign := func(body []byte) cryptosuite.Signature { return cryptosuite.Sign(root.priv, body) }
	for i := 0; i < 3; i++ {
		if _, err := m.SendMessage(ctx, root.pub, []byte{byte(i)}, root.proof(challenge), challenge, uint64(i+1), sign); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case e := <-sub.Ch:
			if e.Index != uint64(i) {
				t.Fatalf("expected push %d to have index %d, got %d", i, i, e.Index)
			}
		default:
			t.Fatalf("expected push %d to be available", i)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m, ctx := newTestMachine(t)
	sub, err := m.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Unsubscribe(ctx, sub.ID); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-sub.Ch; ok {
		t.Fatalf("expected channel to be closed after unsubscribe")
	}
}
