package audit

import (
	"strings"
	"sync"
	"time"
)

// criticalActions are never deleted by retention and flag the record as
// critical regardless of outcome: role changes, suspensions, destructive
// deletes, refunds and contract deployment.
var criticalActions = []string{
	"role_grant",
	"role_revoke",
	"role.grant",
	"role.revoke",
	"suspend",
	"reinstate",
	"lock",
	"delete",
	"refund",
	"contract_deploy",
	"contract.deploy",
	"kyc_approve",
	"block",
	"unblock",
}

// IsCriticalAction reports whether an action name is in the critical set.
func IsCriticalAction(action string) bool {
	lower := strings.ToLower(action)
	for _, pattern := range criticalActions {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// SuspicionRule lets callers attach custom heuristics. A rule returning
// ok=true marks the event suspicious with the returned reason.
type SuspicionRule func(e Event) (reason string, ok bool)

const (
	authFailureThreshold = 3
	authFailureWindow    = 15 * time.Minute
)

// failureTracker counts recent authentication failures per actor so repeated
// failures can be flagged. Entries outside the window are dropped on access,
// and at most once per window the whole map is swept so one-off keys do not
// accumulate.
type failureTracker struct {
	mu        sync.Mutex
	failures  map[string][]time.Time
	lastSweep time.Time
}

func newFailureTracker() *failureTracker {
	return &failureTracker{failures: make(map[string][]time.Time)}
}

// observe records one failure and returns how many fall inside the window.
func (t *failureTracker) observe(key string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-authFailureWindow)
	if now.Sub(t.lastSweep) >= authFailureWindow {
		t.evictStale(cutoff)
		t.lastSweep = now
	}
	kept := t.failures[key][:0]
	for _, ts := range t.failures[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	t.failures[key] = kept
	return len(kept)
}

// evictStale drops keys whose newest failure predates the cutoff. Caller
// holds the lock.
func (t *failureTracker) evictStale(cutoff time.Time) {
	for key, times := range t.failures {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(t.failures, key)
		}
	}
}

func (t *failureTracker) reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, key)
}

func isAuthAction(action string) bool {
	lower := strings.ToLower(action)
	return strings.Contains(lower, "auth") || strings.Contains(lower, "login") ||
		strings.Contains(lower, "signature_verify")
}
