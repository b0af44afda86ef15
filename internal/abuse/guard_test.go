package abuse

import (
	"context"
	"testing"
	"time"

	"github.com/madfam-io/plinto-sub006/internal/cache"
)

func newGuard(t *testing.T, now *time.Time) *Guard {
	t.Helper()
	mem := cache.NewMemoryWithClock(func() time.Time { return *now })
	g, err := NewGuard(mem, nil, Config{
		Window:    time.Minute,
		Threshold: 3,
		Cooldown:  10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	return g
}

func TestCooldownOnThresholdExceeded(t *testing.T) {
	now := time.Now()
	g := newGuard(t, &now)
	ctx := context.Background()
	key := Key{Subject: "user-1", Action: "signin"}

	for i := 0; i < 3; i++ {
		cooldown, err := g.RecordFailure(ctx, key)
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if cooldown != 0 {
			t.Fatalf("attempt %d within threshold should not trip: %v", i+1, cooldown)
		}
	}

	cooldown, err := g.RecordFailure(ctx, key)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if cooldown == 0 {
		t.Fatal("fourth failure must yield a non-zero cooldown")
	}

	remaining, err := g.Check(ctx, key)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if remaining == 0 {
		t.Fatal("Check must report the active cooldown")
	}
}

func TestWindowExpiryResetsCounter(t *testing.T) {
	now := time.Now()
	g := newGuard(t, &now)
	ctx := context.Background()
	key := Key{Subject: "198.51.100.7", Action: "signin"}

	for i := 0; i < 3; i++ {
		if _, err := g.RecordFailure(ctx, key); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	now = now.Add(2 * time.Minute)

	cooldown, err := g.RecordFailure(ctx, key)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if cooldown != 0 {
		t.Fatal("failures outside the window must not count")
	}
}

func TestResetClearsState(t *testing.T) {
	now := time.Now()
	g := newGuard(t, &now)
	ctx := context.Background()
	key := Key{Subject: "user-2", Action: "mfa"}

	for i := 0; i < 4; i++ {
		_, _ = g.RecordFailure(ctx, key)
	}
	if remaining, _ := g.Check(ctx, key); remaining == 0 {
		t.Fatal("expected active cooldown before reset")
	}

	if err := g.Reset(ctx, key); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if remaining, _ := g.Check(ctx, key); remaining != 0 {
		t.Fatal("cooldown should be cleared after reset")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	now := time.Now()
	g := newGuard(t, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = g.RecordFailure(ctx, Key{Subject: "user-3", Action: "signin"})
	}
	if remaining, _ := g.Check(ctx, Key{Subject: "user-4", Action: "signin"}); remaining != 0 {
		t.Fatal("another subject must not be affected")
	}
	if remaining, _ := g.Check(ctx, Key{Subject: "user-3", Action: "mfa"}); remaining != 0 {
		t.Fatal("another action must not be affected")
	}
}
