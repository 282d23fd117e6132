package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("ratelimit: not found")
	ErrNotBlocked      = errors.New("ratelimit: window is not blocked")
	ErrInvalidArgument = errors.New("ratelimit: invalid argument")
	ErrUnavailable     = errors.New("ratelimit: store unavailable")
)

// WindowType selects the calendar-aligned bucket length.
type WindowType string

const (
	WindowMinute WindowType = "minute"
	WindowHour   WindowType = "hour"
	WindowDay    WindowType = "day"
	WindowWeek   WindowType = "week"
	WindowMonth  WindowType = "month"
)

// ParseWindowType validates a window type name.
func ParseWindowType(s string) (WindowType, error) {
	t := WindowType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case WindowMinute, WindowHour, WindowDay, WindowWeek, WindowMonth:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown window type %q", ErrInvalidArgument, s)
}

// Bounds returns the canonical [start, end) of the window containing now.
// Windows are aligned to calendar boundaries, not sliding: minutes to :00
// seconds, hours to :00 minutes, days to midnight, weeks to Monday, months to
// the 1st. All in UTC so every node computes the same boundaries.
func (t WindowType) Bounds(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	switch t {
	case WindowMinute:
		start := now.Truncate(time.Minute)
		return start, start.Add(time.Minute)
	case WindowHour:
		start := now.Truncate(time.Hour)
		return start, start.Add(time.Hour)
	case WindowDay:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	case WindowWeek:
		daysSinceMonday := (int(now.Weekday()) + 6) % 7
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -daysSinceMonday)
		return start, start.AddDate(0, 0, 7)
	case WindowMonth:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
	start := now.Truncate(time.Minute)
	return start, start.Add(time.Minute)
}

// BlockDuration is how long an automatic block lasts after a window's limit
// is crossed: one window length, never less than a minute.
func (t WindowType) BlockDuration(now time.Time) time.Duration {
	start, end := t.Bounds(now)
	d := end.Sub(start)
	if d < time.Minute {
		d = time.Minute
	}
	return d
}

// Key identifies one window row.
type Key struct {
	ActorID string
	Action  string
	Type    WindowType
	Start   time.Time
}

// Violation records one instance of an actor crossing a limit.
type Violation struct {
	ID             string     `json:"id"`
	ActorID        string     `json:"actor_id"`
	Action         string     `json:"action"`
	WindowType     WindowType `json:"window_type"`
	AttemptedCount int        `json:"attempted_count"`
	Origin         string     `json:"origin,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// Window is the persisted counter row for (actor, action, window type,
// window start). Count only increases within a window; a new window is a new
// row.
type Window struct {
	ActorID         string     `json:"actor_id"`
	Action          string     `json:"action"`
	Type            WindowType `json:"window_type"`
	Start           time.Time  `json:"window_start"`
	End             time.Time  `json:"window_end"`
	Count           int        `json:"count"`
	Limit           int        `json:"limit"`
	Blocked         bool       `json:"blocked"`
	BlockReason     string     `json:"block_reason,omitempty"`
	BlockedUntil    time.Time  `json:"blocked_until,omitempty"`
	Origins         []string   `json:"origins,omitempty"`
	LastAttemptAt   time.Time  `json:"last_attempt_at,omitempty"`
	TotalViolations int        `json:"total_violations"`
}

// Unblocked reports the window with an expired block cleared, as readers must
// observe it.
func (w Window) Unblocked(now time.Time) Window {
	if w.Blocked && !w.BlockedUntil.IsZero() && now.After(w.BlockedUntil) {
		w.Blocked = false
		w.BlockReason = ""
		w.BlockedUntil = time.Time{}
	}
	return w
}
