package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)
	if got := s.Subscribers(); got != 2 {
		t.Fatalf("subscribers = %d, want 2", got)
	}

	evt := Event{Action: "auth.signin", Actor: "id1", Severity: "info", At: time.Now().UTC()}
	s.Publish(evt)

	for _, ch := range []<-chan Event{a, b} {
		select {
		case got := <-ch:
			if got.Action != "auth.signin" {
				t.Fatalf("unexpected event: %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	// Fill the buffer and keep publishing. Publish must not block.
	for i := 0; i < 100; i++ {
		s.Publish(Event{Action: "auth.signin"})
	}
	if len(ch) != cap(ch) {
		t.Fatalf("buffer not full: %d", len(ch))
	}
}

func TestSubscribeClosesOnContextCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())

	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after unsubscribe must be a no-op.
	s.Publish(Event{Action: "auth.signin"})
	if got := s.Subscribers(); got != 0 {
		t.Fatalf("subscribers = %d, want 0", got)
	}
}
