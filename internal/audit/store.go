package audit

import (
	"context"
	"time"
)

// RecordStore persists audit records. Records are append-only: the review
// fields are the only mutation allowed after Append, and DeleteExpired must
// never touch critical records.
type RecordStore interface {
	Append(ctx context.Context, rec Record) error
	Find(ctx context.Context, id string) (Record, error)

	// ActorHistory returns an actor's records newest first.
	ActorHistory(ctx context.Context, actorID string, limit, offset int) ([]Record, error)

	// PendingReview returns suspicious records not yet reviewed, oldest first.
	PendingReview(ctx context.Context, limit int) ([]Record, error)

	// Critical returns critical records newest first.
	Critical(ctx context.Context, limit int) ([]Record, error)

	// CountByCategory aggregates record counts per category and outcome for
	// records that occurred in [from, to).
	CountByCategory(ctx context.Context, from, to time.Time) ([]CategoryCount, error)

	// Review sets the review fields on a record exactly once. A second review
	// of the same record returns ErrInvalidArgument.
	Review(ctx context.Context, id, reviewerID, notes string, at time.Time) error

	// DeleteExpired removes non-critical records older than before and
	// reports how many were removed.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
