package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"farmtrace.org/internal/ids"
	"farmtrace.org/internal/obs"
)

// Result is the outcome of a rate-limit check. A deny with Blocked=false is a
// plain limit exceedance; Blocked=true means an active block (automatic or
// manual) refused the request before any counting.
type Result struct {
	Allowed      bool      `json:"allowed"`
	Limit        int       `json:"limit"`
	Remaining    int       `json:"remaining"`
	ResetAt      time.Time `json:"reset_at"`
	Blocked      bool      `json:"blocked"`
	BlockReason  string    `json:"block_reason,omitempty"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
}

// Tracker counts actions per (actor, action, calendar window) and blocks
// actors that cross their limits. It keeps no state of its own; every
// read-modify-write happens inside the store. If the store is unreachable the
// tracker fails closed.
type Tracker struct {
	windows   WindowStore
	now       func() time.Time
	retention time.Duration

	sweepEvery time.Duration
	stop       chan struct{}
	wg         sync.WaitGroup
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerClock overrides the time source (useful for tests).
func WithTrackerClock(fn func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if fn != nil {
			t.now = fn
		}
	}
}

// WithRetention overrides how long expired windows are kept before the sweep
// deletes them.
func WithRetention(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

// NewTracker constructs a Tracker over a window store.
func NewTracker(windows WindowStore, opts ...TrackerOption) (*Tracker, error) {
	if windows == nil {
		return nil, fmt.Errorf("%w: window store is required", ErrInvalidArgument)
	}
	t := &Tracker{
		windows:    windows,
		now:        time.Now,
		retention:  30 * 24 * time.Hour,
		sweepEvery: time.Hour,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// CheckAndConsume admits or denies one occurrence of action by the actor.
// The store performs the block check, the expired-block clear and the
// increment in one atomic step; the block transition after a crossing is a
// second idempotent step, so two concurrent requests at count = limit-1 can
// never both be admitted.
func (t *Tracker) CheckAndConsume(ctx context.Context, actorID, action string, wt WindowType, limit int, origin string) (Result, error) {
	if strings.TrimSpace(actorID) == "" || strings.TrimSpace(action) == "" {
		return Result{}, fmt.Errorf("%w: actor and action are required", ErrInvalidArgument)
	}
	if limit <= 0 {
		return Result{}, fmt.Errorf("%w: limit must be positive", ErrInvalidArgument)
	}
	if _, err := ParseWindowType(string(wt)); err != nil {
		return Result{}, err
	}

	now := t.now()
	start, end := wt.Bounds(now)
	key := Key{ActorID: actorID, Action: action, Type: wt, Start: start}

	out, err := t.windows.IncrementAndFetch(ctx, key, end, limit, origin, now)
	if err != nil {
		// Fail closed: an unreachable counter store must deny, not bypass.
		return Result{Limit: limit, ResetAt: end}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if out.Blocked {
		return Result{
			Limit:        limit,
			Remaining:    0,
			ResetAt:      end,
			Blocked:      true,
			BlockReason:  out.BlockReason,
			BlockedUntil: out.BlockedUntil,
		}, nil
	}

	if out.Count > limit {
		until := now.Add(wt.BlockDuration(now)).UTC()
		reason := fmt.Sprintf("limit of %d per %s exceeded for %s", limit, wt, action)
		violation := Violation{
			ID:             ids.New(),
			ActorID:        actorID,
			Action:         action,
			WindowType:     wt,
			AttemptedCount: out.Count,
			Origin:         origin,
			OccurredAt:     now.UTC(),
		}
		transitioned, err := t.windows.TransitionBlocked(ctx, key, until, reason, violation)
		if err != nil {
			obs.LogRequest(map[string]any{
				"level":    "error",
				"msg":      "rate limit block transition failed",
				"actor_id": actorID,
				"action":   action,
				"error":    err.Error(),
			})
		} else if transitioned {
			obs.RateLimitBlocked(action)
		}
		return Result{Limit: limit, Remaining: 0, ResetAt: end}, nil
	}

	remaining := limit - out.Count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Limit: limit, Remaining: remaining, ResetAt: end}, nil
}

// Window reads the current window for (actor, action, window type). Readers
// observe an expired block as cleared.
func (t *Tracker) Window(ctx context.Context, actorID, action string, wt WindowType) (Window, error) {
	now := t.now()
	start, _ := wt.Bounds(now)
	w, err := t.windows.Get(ctx, Key{ActorID: actorID, Action: action, Type: wt, Start: start})
	if err != nil {
		return Window{}, trackerErr(err)
	}
	return w.Unblocked(now), nil
}

// Reset deletes all windows for the actor, optionally scoped to one action.
// Idempotent: resetting an actor with no windows succeeds.
func (t *Tracker) Reset(ctx context.Context, actorID, action string) error {
	if strings.TrimSpace(actorID) == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidArgument)
	}
	if err := t.windows.Reset(ctx, actorID, action); err != nil {
		return trackerErr(err)
	}
	return nil
}

// Block sets a manual block outside the normal crossing logic. The reason is
// mandatory and the duration arbitrary.
func (t *Tracker) Block(ctx context.Context, actorID, action string, wt WindowType, d time.Duration, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("%w: a reason is required for manual blocks", ErrInvalidArgument)
	}
	if d <= 0 {
		return fmt.Errorf("%w: block duration must be positive", ErrInvalidArgument)
	}
	now := t.now()
	start, end := wt.Bounds(now)
	key := Key{ActorID: actorID, Action: action, Type: wt, Start: start}
	if err := t.windows.SetBlock(ctx, key, end, now.Add(d).UTC(), reason); err != nil {
		return trackerErr(err)
	}
	obs.RateLimitBlocked(action)
	return nil
}

// Unblock lifts an active block. Fails with ErrNotBlocked when the window is
// not currently blocked.
func (t *Tracker) Unblock(ctx context.Context, actorID, action string, wt WindowType) error {
	now := t.now()
	start, _ := wt.Bounds(now)
	key := Key{ActorID: actorID, Action: action, Type: wt, Start: start}
	cleared, err := t.windows.ClearBlock(ctx, key)
	if err != nil {
		return trackerErr(err)
	}
	if !cleared {
		return ErrNotBlocked
	}
	return nil
}

// Violations lists the actor's recorded limit crossings, newest first.
func (t *Tracker) Violations(ctx context.Context, actorID string, limit int) ([]Violation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out, err := t.windows.Violations(ctx, actorID, limit)
	if err != nil {
		return nil, trackerErr(err)
	}
	return out, nil
}

// Start launches the retention sweep that deletes windows a fixed period past
// their end.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := t.windows.DeleteExpired(ctx, t.now().Add(-t.retention))
				cancel()
				if err != nil {
					obs.LogRequest(map[string]any{
						"level": "error",
						"msg":   "rate limit retention sweep failed",
						"error": err.Error(),
					})
					continue
				}
				if n > 0 {
					obs.LogRequest(map[string]any{
						"level":   "info",
						"msg":     "rate limit retention sweep",
						"deleted": n,
					})
				}
			}
		}
	}()
}

// Stop terminates the retention sweep.
func (t *Tracker) Stop() {
	close(t.stop)
	t.wg.Wait()
}

func trackerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotBlocked), errors.Is(err, ErrInvalidArgument):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
