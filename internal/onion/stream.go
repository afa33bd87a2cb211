package onion

import (
	"context"
	"sync"

	"github.com/duskmesh/core/internal/errs"
)

// Stream is one logical, credit-flow-controlled stream multiplexed over a
// circuit (spec §4.3: "multiple logical streams per circuit, each with its
// own stream id; flow control is credit-based per stream").
type Stream struct {
	ID uint32

	mu       sync.Mutex
	credit   int
	notify   chan struct{}
	done     chan struct{}
	closeOne sync.Once
}

func newStream(id uint32, initialCredit int) *Stream {
	return &Stream{
		ID:     id,
		credit: initialCredit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *Stream) cancel() {
	s.closeOne.Do(func() { close(s.done) })
}

// Done returns a channel closed when the stream is cancelled (e.g. by its
// circuit closing — spec: "closing a circuit cancels all its streams").
func (s *Stream) Done() <-chan struct{} { return s.done }

// GrantCredit adds n bytes to the stream's send window, waking any sender
// suspended in Reserve.
func (s *Stream) GrantCredit(n int) {
	s.mu.Lock()
	s.credit += n
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Reserve blocks until n bytes of send window are available (or the
// stream is cancelled, or ctx is done), then deducts them. This is the
// backpressure point: "a sender that exceeds its window suspends until
// the peer grants credit."
func (s *Stream) Reserve(ctx context.Context, n int) error {
	for {
		s.mu.Lock()
		if s.credit >= n {
			s.credit -= n
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return errs.ErrCancelled
		case <-s.notify:
		}
	}
}

// AvailableCredit returns the current send window, for tests and metrics.
func (s *Stream) AvailableCredit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credit
}
