package audit

import (
	"testing"
	"time"
)

func TestIsCriticalAction(t *testing.T) {
	for _, action := range []string{"role_grant", "ROLE_REVOKE", "user_suspend", "actor.delete", "payment_refund", "contract_deploy", "ratelimit_block", "kyc_approve"} {
		if !IsCriticalAction(action) {
			t.Fatalf("%q should be critical", action)
		}
	}
	for _, action := range []string{"order_create", "product_read", "authorization_check", "login"} {
		if IsCriticalAction(action) {
			t.Fatalf("%q should not be critical", action)
		}
	}
}

func TestFailureTrackerWindow(t *testing.T) {
	ft := newFailureTracker()
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	if n := ft.observe("actor-1", now); n != 1 {
		t.Fatalf("first failure count = %d", n)
	}
	if n := ft.observe("actor-1", now.Add(time.Minute)); n != 2 {
		t.Fatalf("second failure count = %d", n)
	}
	// A failure long after the window drops the stale entries.
	if n := ft.observe("actor-1", now.Add(20*time.Minute)); n != 1 {
		t.Fatalf("count after pruning = %d", n)
	}

	ft.reset("actor-1")
	if n := ft.observe("actor-1", now.Add(21*time.Minute)); n != 1 {
		t.Fatalf("count after reset = %d", n)
	}
}

func TestFailureTrackerEvictsStaleKeys(t *testing.T) {
	ft := newFailureTracker()
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	// Many distinct keys with a single stale failure each.
	for i := 0; i < 50; i++ {
		ft.observe(string(rune('a'+i%26))+"-origin", now)
	}
	before := len(ft.failures)
	if before == 0 {
		t.Fatal("expected seeded keys")
	}

	// An observation a full window later sweeps every stale key out.
	ft.observe("actor-hot", now.Add(16*time.Minute))
	if got := len(ft.failures); got != 1 {
		t.Fatalf("keys after sweep = %d (was %d), want 1", got, before)
	}
	if _, ok := ft.failures["actor-hot"]; !ok {
		t.Fatal("active key must survive the sweep")
	}
}

func TestIsAuthAction(t *testing.T) {
	for _, action := range []string{"authentication", "login_attempt", "signature_verify", "authorization_check"} {
		if !isAuthAction(action) {
			t.Fatalf("%q should be an auth action", action)
		}
	}
	if isAuthAction("order_create") {
		t.Fatal("order_create is not an auth action")
	}
}
