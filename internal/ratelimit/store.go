package ratelimit

import (
	"context"
	"time"
)

// IncrementOutcome is what IncrementAndFetch observed in its single atomic
// step.
type IncrementOutcome struct {
	Count        int
	Blocked      bool
	BlockReason  string
	BlockedUntil time.Time
}

// WindowStore is the persistence contract for counter rows. Implementations
// must provide the two-step atomicity the tracker relies on:
//
// IncrementAndFetch upserts the row for key (idempotent under creation
// races: concurrent first requests land on one logical row), clears a block
// whose deadline has passed, and increments the count unless the row is
// actively blocked. The block check and the increment are one atomic
// operation, never a separate read followed by a write.
//
// TransitionBlocked is the idempotent second step after a crossing: it sets
// the block fields and appends the violation only while the row is still
// unblocked and over limit, so concurrent crossers cannot double-block or
// double-append.
type WindowStore interface {
	IncrementAndFetch(ctx context.Context, key Key, end time.Time, limit int, origin string, now time.Time) (IncrementOutcome, error)
	TransitionBlocked(ctx context.Context, key Key, until time.Time, reason string, v Violation) (bool, error)
	Get(ctx context.Context, key Key) (Window, error)
	SetBlock(ctx context.Context, key Key, end time.Time, until time.Time, reason string) error
	ClearBlock(ctx context.Context, key Key) (bool, error)
	Reset(ctx context.Context, actorID, action string) error
	Violations(ctx context.Context, actorID string, limit int) ([]Violation, error)
	DeleteExpired(ctx context.Context, endedBefore time.Time) (int64, error)
}
