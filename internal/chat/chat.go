// Package chat implements the replicated chat state machine (spec §4.5,
// C5): access-controlled membership, an append-only signed log with
// chained-hash archival authenticity, and subscription push delivery.
//
// Each chat is owned by exactly one goroutine (Machine.run), matching the
// ambient concurrency model (spec §5): callers submit commands over a
// channel and block for the reply, so the state itself is never touched
// concurrently and no lock is held across a suspension point.
package chat

import (
	"context"
	"fmt"

	"github.com/duskmesh/core/internal/cryptosuite"
)

// DefaultSendThreshold is the default send_threshold (spec §4.5: "default
// 255, i.e. all members can send").
const DefaultSendThreshold = 255

// DefaultSignatureTail is how many of the most recent log entries retain
// their full signature (spec §3: "only the latest k signatures per chat
// are retained").
const DefaultSignatureTail = 64

// Member is one chat participant (spec §3): a signing key and a
// permission level where lower is higher authority; 0 is root.
type Member struct {
	PublicKey  cryptosuite.SignPublicKey
	Permission uint8
}

func memberKey(pk cryptosuite.SignPublicKey) (string, error) {
	b, err := cryptosuite.MarshalSignPublicKey(pk)
	if err != nil {
		return "", fmt.Errorf("chat: marshal member key: %w", err)
	}
	return string(b), nil
}

// Entry is one log record (spec §3). Signature is retained only for the
// most recent DefaultSignatureTail entries; older entries are
// authenticated solely via ChainHash.
type Entry struct {
	Index     uint64
	AuthorPK  cryptosuite.SignPublicKey
	Payload   []byte
	ChainHash [32]byte
	Signature *cryptosuite.Signature
}

// Caps bounds a chat's log (spec §3: B_bytes, B_count).
type Caps struct {
	MaxBytes int
	MaxCount int
}

// Config bundles the tunables a Machine is constructed with.
type Config struct {
	Caps           Caps
	SendThreshold  uint8
	SignatureTail  int
	SubscriberBuf  int
}

// DefaultConfig returns the spec's default tunables.
func DefaultConfig(caps Caps) Config {
	return Config{
		Caps:          caps,
		SendThreshold: DefaultSendThreshold,
		SignatureTail: DefaultSignatureTail,
		SubscriberBuf: 256,
	}
}

type state struct {
	name          string
	members       []Member
	nextIndex     uint64
	log           []Entry
	logBytes      int
	actionNonces  map[string]uint64
	chainHead     [32]byte
	subscribers   map[uint64]*Subscriber
	nextSubID     uint64
}

func newState(name string) *state {
	return &state{
		name:         name,
		actionNonces: make(map[string]uint64),
		chainHead:    cryptosuite.Hash([]byte(name)),
		subscribers:  make(map[uint64]*Subscriber),
	}
}

func (s *state) memberByKey(key string) (int, bool) {
	for i, m := range s.members {
		k, err := memberKey(m.PublicKey)
		if err == nil && k == key {
			return i, true
		}
	}
	return -1, false
}

// Subscriber receives pushed entries for a Subscribe call (spec §4.5).
// Delivery is FIFO with respect to the subscriber's own arrival order
// (spec §4.6), which holds trivially here since the owning Machine
// processes one command at a time and pushes to every subscriber
// synchronously before replying.
type Subscriber struct {
	ID uint64
	Ch chan Entry
}

type request struct {
	run   func(*state) (any, error)
	reply chan result
}

type result struct {
	val any
	err error
}

// Machine is one chat's actor: all state mutation happens inside run,
// driven by commands submitted through reqs.
type Machine struct {
	cfg  Config
	reqs chan request
}

// NewMachine starts a Machine's actor goroutine for a fresh, empty chat
// named name. The chat has no members until CreateChat, or a first
// SendMessage on the unclaimed chat, sets its root member; NewMachine
// alone does not make the chat visible to peers.
func NewMachine(ctx context.Context, name string, cfg Config) *Machine {
	m := &Machine{cfg: cfg, reqs: make(chan request)}
	go m.run(ctx, name)
	return m
}

func (m *Machine) run(ctx context.Context, name string) {
	s := newState(name)
	for {
		select {
		case <-ctx.Done():
			for _, sub := range s.subscribers {
				close(sub.Ch)
			}
			return
		case req, ok := <-m.reqs:
			if !ok {
				return
			}
			val, err := req.run(s)
			req.reply <- result{val: val, err: err}
		}
	}
}

// submit runs fn against the machine's state from inside its owning
// goroutine and returns its result.
func (m *Machine) submit(ctx context.Context, fn func(*state) (any, error)) (any, error) {
	reply := make(chan result, 1)
	select {
	case m.reqs <- request{run: fn, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
