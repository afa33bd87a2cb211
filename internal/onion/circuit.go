package onion

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/duskmesh/core/internal/cryptosuite"
	"github.com/duskmesh/core/internal/errs"
)

// State is a circuit's position in the per-hop state machine (spec §4.3).
type State int

const (
	Pending State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Frame is one directional unit on an open circuit: {circuit_id, sequence,
// len, AEAD(ciphertext, aad = seq∥circuit_id)} (spec §4.3).
type Frame struct {
	CircuitID uint64
	Sequence  uint64
	StreamID  uint32
	Payload   []byte
}

func frameAAD(circuitID, sequence uint64) []byte {
	aad := make([]byte, 16)
	binary.BigEndian.PutUint64(aad[:8], sequence)
	binary.BigEndian.PutUint64(aad[8:], circuitID)
	return aad
}

// EncryptFrame seals a frame's plaintext body (streamID ∥ payload) for
// transmission, using sequence as part of the AEAD nonce together with
// salt (spec: "sequence numbers monotone per direction, used as AEAD
// nonces together with a per-direction salt").
func EncryptFrame(key, salt []byte, circuitID, sequence uint64, streamID uint32, payload []byte) ([]byte, error) {
	nonce := frameNonce(salt, sequence)
	body := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(body[:4], streamID)
	copy(body[4:], payload)
	return cryptosuite.AEADEncrypt(key, nonce, frameAAD(circuitID, sequence), body)
}

// DecryptFrame opens a frame sealed by EncryptFrame.
func DecryptFrame(key, salt []byte, circuitID, sequence uint64, ciphertext []byte) (streamID uint32, payload []byte, err error) {
	nonce := frameNonce(salt, sequence)
	body, err := cryptosuite.AEADDecrypt(key, nonce, frameAAD(circuitID, sequence), ciphertext)
	if err != nil {
		return 0, nil, fmt.Errorf("onion: decrypt frame: %w", err)
	}
	if len(body) < 4 {
		return 0, nil, errs.New(errs.Protocol, "onion: frame body truncated")
	}
	return binary.BigEndian.Uint32(body[:4]), body[4:], nil
}

func frameNonce(salt []byte, sequence uint64) []byte {
	nonce := make([]byte, cryptosuite.NonceSize)
	copy(nonce, salt)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], sequence)
	for i := 0; i < 8 && i < len(nonce); i++ {
		nonce[len(nonce)-8+i] ^= seqBuf[i]
	}
	return nonce
}

// Circuit is the per-hop state for one onion tunnel (spec §3, §4.3). It
// has no goroutine of its own; its mutable fields are guarded by mu, so
// its methods may be called from several goroutines.
type Circuit struct {
	ID           uint64
	PrevHop      string
	NextHop      string
	LayerKey     []byte
	LayerSaltTx  []byte
	LayerSaltRx  []byte

	mu      sync.Mutex
	state   State
	txSeq   uint64
	rxSeq   uint64
	streams map[uint32]*Stream

	lastFrame time.Time
}

// NewCircuit creates a Pending circuit. It transitions to Open on the
// first successful decrypt-and-forward (spec: "Pending → Open (on first
// successful AEAD decrypt + forward ack)").
func NewCircuit(id uint64, prevHop, nextHop string, layerKey, saltTx, saltRx []byte) *Circuit {
	return &Circuit{
		ID:          id,
		PrevHop:     prevHop,
		NextHop:     nextHop,
		LayerKey:    layerKey,
		LayerSaltTx: saltTx,
		LayerSaltRx: saltRx,
		state:       Pending,
		streams:     make(map[uint32]*Stream),
		lastFrame:   time.Now(),
	}
}

// State returns the circuit's current state.
func (c *Circuit) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MarkOpen transitions Pending → Open.
func (c *Circuit) MarkOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Pending {
		c.state = Open
	}
}

// Close transitions Open → Closing. The caller is expected to drain
// in-flight frames and then call MarkClosed.
func (c *Circuit) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Open || c.state == Pending {
		c.state = Closing
	}
	for _, s := range c.streams {
		s.cancel()
	}
}

// MarkClosed transitions Closing → Closed.
func (c *Circuit) MarkClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Closed
}

// NextTxSequence returns the next monotonic send sequence number.
func (c *Circuit) NextTxSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.txSeq
	c.txSeq++
	return seq
}

// AcceptRxSequence reports whether seq is the expected next receive
// sequence number, advancing the counter if so. Out-of-order frames are
// rejected and the caller should transition the circuit to Closing (spec:
// "Out-of-order frames are dropped and the circuit transitions to
// Closing").
func (c *Circuit) AcceptRxSequence(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.rxSeq {
		return false
	}
	c.rxSeq++
	c.lastFrame = time.Now()
	return true
}

// IdleFor reports how long it has been since the last accepted frame.
func (c *Circuit) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastFrame)
}

// Stream opens (or returns, if already open) the logical stream with id
// sid on this circuit.
func (c *Circuit) Stream(sid uint32, windowBytes int) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[sid]; ok {
		return s
	}
	s := newStream(sid, windowBytes)
	c.streams[sid] = s
	return s
}

// CloseStream removes and cancels the stream with id sid.
func (c *Circuit) CloseStream(sid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[sid]; ok {
		s.cancel()
		delete(c.streams, sid)
	}
}

// Timeouts bundles the three circuit-level deadlines from spec §4.3.
type Timeouts struct {
	Idle  time.Duration // T_idle
	Setup time.Duration // T_setup
	Fwd   time.Duration // T_fwd
}

// WatchIdle closes the circuit once it has seen no frames for
// timeouts.Idle, until ctx is done or the circuit is already closed.
func WatchIdle(ctx context.Context, c *Circuit, timeouts Timeouts) {
	ticker := time.NewTicker(timeouts.Idle / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() == Closed {
				return
			}
			if c.IdleFor() >= timeouts.Idle {
				c.Close()
				return
			}
		}
	}
}
