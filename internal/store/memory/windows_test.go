package memory

import (
	"context"
	"testing"
	"time"

	"farmtrace.org/internal/ratelimit"
)

func TestWindowStoreIncrementAndBlockTransition(t *testing.T) {
	s := NewWindowStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 10, 0, 30, 0, time.UTC)
	start, end := ratelimit.WindowMinute.Bounds(now)
	key := ratelimit.Key{ActorID: "a-1", Action: "op", Type: ratelimit.WindowMinute, Start: start}

	for i := 1; i <= 3; i++ {
		out, err := s.IncrementAndFetch(ctx, key, end, 2, "10.0.0.1", now)
		if err != nil {
			t.Fatalf("IncrementAndFetch %d: %v", i, err)
		}
		if out.Count != i || out.Blocked {
			t.Fatalf("IncrementAndFetch %d: %+v", i, out)
		}
	}

	until := now.Add(time.Minute)
	v := ratelimit.Violation{ID: "v-1", ActorID: "a-1", Action: "op", WindowType: ratelimit.WindowMinute, AttemptedCount: 3, OccurredAt: now}
	transitioned, err := s.TransitionBlocked(ctx, key, until, "over limit", v)
	if err != nil || !transitioned {
		t.Fatalf("TransitionBlocked: %v %v", transitioned, err)
	}
	// The transition is idempotent for concurrent crossers.
	transitioned, err = s.TransitionBlocked(ctx, key, until, "over limit", v)
	if err != nil || transitioned {
		t.Fatalf("second TransitionBlocked: %v %v", transitioned, err)
	}

	out, err := s.IncrementAndFetch(ctx, key, end, 2, "", now.Add(time.Second))
	if err != nil {
		t.Fatalf("IncrementAndFetch while blocked: %v", err)
	}
	if !out.Blocked || out.Count != 3 {
		t.Fatalf("blocked row must not count: %+v", out)
	}

	// Once the block deadline passes, the next increment clears it.
	out, err = s.IncrementAndFetch(ctx, key, end, 2, "", until.Add(time.Second))
	if err != nil {
		t.Fatalf("IncrementAndFetch after expiry: %v", err)
	}
	if out.Blocked || out.Count != 4 {
		t.Fatalf("expired block not cleared: %+v", out)
	}

	violations, _ := s.Violations(ctx, "a-1", 10)
	if len(violations) != 1 {
		t.Fatalf("expected one violation, got %d", len(violations))
	}

	w, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if w.TotalViolations != 1 || len(w.Origins) != 1 {
		t.Fatalf("unexpected window state: %+v", w)
	}
}

func TestWindowStoreDeleteExpiredKeepsActiveBlocks(t *testing.T) {
	s := NewWindowStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	oldStart, oldEnd := ratelimit.WindowMinute.Bounds(now.Add(-2 * time.Hour))
	expiredKey := ratelimit.Key{ActorID: "a-1", Action: "op", Type: ratelimit.WindowMinute, Start: oldStart}
	if _, err := s.IncrementAndFetch(ctx, expiredKey, oldEnd, 5, "", now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("IncrementAndFetch: %v", err)
	}

	blockedStart, blockedEnd := ratelimit.WindowMinute.Bounds(now.Add(-90 * time.Minute))
	blockedKey := ratelimit.Key{ActorID: "a-2", Action: "op", Type: ratelimit.WindowMinute, Start: blockedStart}
	if err := s.SetBlock(ctx, blockedKey, blockedEnd, now.Add(time.Hour), "manual"); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}

	removed, err := s.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := s.Get(ctx, blockedKey); err != nil {
		t.Fatalf("actively blocked row must survive the sweep: %v", err)
	}
}

func TestWindowStoreClearBlock(t *testing.T) {
	s := NewWindowStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	start, end := ratelimit.WindowHour.Bounds(now)
	key := ratelimit.Key{ActorID: "a-1", Action: "op", Type: ratelimit.WindowHour, Start: start}

	if cleared, err := s.ClearBlock(ctx, key); err != nil || cleared {
		t.Fatalf("clearing a missing row: %v %v", cleared, err)
	}
	if err := s.SetBlock(ctx, key, end, now.Add(time.Hour), "manual"); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	if cleared, err := s.ClearBlock(ctx, key); err != nil || !cleared {
		t.Fatalf("ClearBlock: %v %v", cleared, err)
	}
	if cleared, _ := s.ClearBlock(ctx, key); cleared {
		t.Fatal("second clear must report nothing to do")
	}
}
