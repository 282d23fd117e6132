package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"farmtrace.org/internal/ratelimit"
)

// WindowStore is an in-memory ratelimit.WindowStore. The single mutex gives it
// the same atomicity the Postgres store gets from one upsert statement.
type WindowStore struct {
	mu         sync.Mutex
	windows    map[string]*ratelimit.Window
	violations []ratelimit.Violation
}

func NewWindowStore() *WindowStore {
	return &WindowStore{windows: make(map[string]*ratelimit.Window)}
}

func windowKey(k ratelimit.Key) string {
	return strings.Join([]string{
		k.ActorID, k.Action, string(k.Type),
		strconv.FormatInt(k.Start.UTC().Unix(), 10),
	}, "|")
}

// IncrementAndFetch upserts the row, clears an expired block, and increments
// the count unless the row is actively blocked, all under one lock.
func (s *WindowStore) IncrementAndFetch(ctx context.Context, key ratelimit.Key, end time.Time, limit int, origin string, now time.Time) (ratelimit.IncrementOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.upsertLocked(key, end, limit)
	if w.Blocked && !w.BlockedUntil.IsZero() && now.After(w.BlockedUntil) {
		w.Blocked = false
		w.BlockReason = ""
		w.BlockedUntil = time.Time{}
	}
	if w.Blocked {
		return ratelimit.IncrementOutcome{
			Count:        w.Count,
			Blocked:      true,
			BlockReason:  w.BlockReason,
			BlockedUntil: w.BlockedUntil,
		}, nil
	}

	w.Count++
	w.Limit = limit
	w.LastAttemptAt = now.UTC()
	if origin != "" && !containsString(w.Origins, origin) {
		w.Origins = append(w.Origins, origin)
	}
	return ratelimit.IncrementOutcome{Count: w.Count}, nil
}

// TransitionBlocked applies the block only while the row is still unblocked
// and over its limit, so concurrent crossers block and append exactly once.
func (s *WindowStore) TransitionBlocked(ctx context.Context, key ratelimit.Key, until time.Time, reason string, v ratelimit.Violation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[windowKey(key)]
	if !ok {
		return false, fmt.Errorf("%w: window for actor %s action %s", ratelimit.ErrNotFound, key.ActorID, key.Action)
	}
	if w.Blocked || w.Count <= w.Limit {
		return false, nil
	}
	w.Blocked = true
	w.BlockReason = reason
	w.BlockedUntil = until.UTC()
	w.TotalViolations++
	s.violations = append(s.violations, v)
	return true, nil
}

func (s *WindowStore) Get(ctx context.Context, key ratelimit.Key) (ratelimit.Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[windowKey(key)]
	if !ok {
		return ratelimit.Window{}, fmt.Errorf("%w: window for actor %s action %s", ratelimit.ErrNotFound, key.ActorID, key.Action)
	}
	return copyWindow(*w), nil
}

func (s *WindowStore) SetBlock(ctx context.Context, key ratelimit.Key, end time.Time, until time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.upsertLocked(key, end, 0)
	w.Blocked = true
	w.BlockReason = reason
	w.BlockedUntil = until.UTC()
	return nil
}

func (s *WindowStore) ClearBlock(ctx context.Context, key ratelimit.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[windowKey(key)]
	if !ok || !w.Blocked {
		return false, nil
	}
	w.Blocked = false
	w.BlockReason = ""
	w.BlockedUntil = time.Time{}
	return true, nil
}

// Reset drops an actor's rows, scoped to one action when given.
func (s *WindowStore) Reset(ctx context.Context, actorID, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, w := range s.windows {
		if w.ActorID != actorID {
			continue
		}
		if action != "" && w.Action != action {
			continue
		}
		delete(s.windows, k)
	}
	return nil
}

func (s *WindowStore) Violations(ctx context.Context, actorID string, limit int) ([]ratelimit.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ratelimit.Violation, 0, limit)
	for i := len(s.violations) - 1; i >= 0; i-- {
		v := s.violations[i]
		if actorID != "" && v.ActorID != actorID {
			continue
		}
		out = append(out, v)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DeleteExpired drops rows whose window ended before the cutoff, keeping rows
// that still carry an active block.
func (s *WindowStore) DeleteExpired(ctx context.Context, endedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for k, w := range s.windows {
		if !w.End.Before(endedBefore) {
			continue
		}
		if w.Blocked && w.BlockedUntil.After(endedBefore) {
			continue
		}
		delete(s.windows, k)
		removed++
	}
	return removed, nil
}

func (s *WindowStore) upsertLocked(key ratelimit.Key, end time.Time, limit int) *ratelimit.Window {
	k := windowKey(key)
	w, ok := s.windows[k]
	if !ok {
		w = &ratelimit.Window{
			ActorID: key.ActorID,
			Action:  key.Action,
			Type:    key.Type,
			Start:   key.Start.UTC(),
			End:     end.UTC(),
			Limit:   limit,
		}
		s.windows[k] = w
	}
	return w
}

func copyWindow(w ratelimit.Window) ratelimit.Window {
	w.Origins = append([]string(nil), w.Origins...)
	return w
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
