package onion

import (
	"context"
	"testing"
	"time"
)

func TestStreamReserveConsumesCredit(t *testing.T) {
	s := newStream(1, 100)
	if err := s.Reserve(context.Background(), 60); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := s.AvailableCredit(); got != 40 {
		t.Fatalf("available credit = %d, want 40", got)
	}
}

func TestStreamReserveBlocksUntilCreditGranted(t *testing.T) {
	s := newStream(1, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.Reserve(context.Background(), 50)
	}()

	select {
	case <-done:
		t.Fatalf("expected Reserve to block without sufficient credit")
	case <-time.After(20 * time.Millisecond):
	}

	s.GrantCredit(40)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected Reserve to unblock after GrantCredit")
	}
}

func TestStreamReserveUnblocksOnCancel(t *testing.T) {
	s := newStream(1, 0)
	done := make(chan error, 1)
	go func() {
		done <- s.Reserve(context.Background(), 1)
	}()
	s.cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected Reserve to return an error after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected Reserve to unblock after cancel")
	}
}

func TestStreamReserveRespectsContextCancellation(t *testing.T) {
	s := newStream(1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Reserve(ctx, 1)
	}()
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected Reserve to return an error after ctx cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected Reserve to unblock after ctx cancel")
	}
}
