package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"farmtrace.org/internal/audit"
)

func appendRecord(t *testing.T, s *AuditStore, rec audit.Record) {
	t.Helper()
	if err := s.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append %s: %v", rec.ID, err)
	}
}

func TestAuditStorePendingReviewOrder(t *testing.T) {
	s := NewAuditStore()
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	appendRecord(t, s, audit.Record{ID: "r-2", OccurredAt: base.Add(time.Minute), IsSuspicious: true, RequiresReview: true})
	appendRecord(t, s, audit.Record{ID: "r-1", OccurredAt: base, IsSuspicious: true, RequiresReview: true})
	appendRecord(t, s, audit.Record{ID: "r-3", OccurredAt: base.Add(2 * time.Minute)})

	pending, err := s.PendingReview(context.Background(), 10)
	if err != nil {
		t.Fatalf("PendingReview: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "r-1" || pending[1].ID != "r-2" {
		t.Fatalf("pending must be oldest first: %+v", pending)
	}
}

func TestAuditStoreReviewOnce(t *testing.T) {
	s := NewAuditStore()
	ctx := context.Background()
	appendRecord(t, s, audit.Record{ID: "r-1", IsSuspicious: true, RequiresReview: true})

	if err := s.Review(ctx, "r-1", "rev-1", "checked", time.Now()); err != nil {
		t.Fatalf("Review: %v", err)
	}
	if err := s.Review(ctx, "r-1", "rev-2", "again", time.Now()); !errors.Is(err, audit.ErrInvalidArgument) {
		t.Fatalf("second review: %v", err)
	}
	if err := s.Review(ctx, "missing", "rev-1", "", time.Now()); !errors.Is(err, audit.ErrNotFound) {
		t.Fatalf("missing record: %v", err)
	}

	rec, _ := s.Find(ctx, "r-1")
	if rec.ReviewedBy != "rev-1" || rec.RequiresReview {
		t.Fatalf("review fields not set: %+v", rec)
	}
}

func TestAuditStoreDeleteExpiredExemptsCritical(t *testing.T) {
	s := NewAuditStore()
	ctx := context.Background()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	appendRecord(t, s, audit.Record{ID: "old-normal", OccurredAt: old})
	appendRecord(t, s, audit.Record{ID: "old-critical", OccurredAt: old, IsCritical: true})
	appendRecord(t, s, audit.Record{ID: "fresh", OccurredAt: old.AddDate(0, 6, 0)})

	removed, err := s.DeleteExpired(ctx, old.AddDate(0, 3, 0))
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := s.Find(ctx, "old-critical"); err != nil {
		t.Fatalf("critical record must survive retention: %v", err)
	}
	if _, err := s.Find(ctx, "old-normal"); !errors.Is(err, audit.ErrNotFound) {
		t.Fatalf("expired record still present: %v", err)
	}
	// The index must stay consistent after compaction.
	if _, err := s.Find(ctx, "fresh"); err != nil {
		t.Fatalf("index broken after sweep: %v", err)
	}
}

func TestAuditStoreAppendDuplicate(t *testing.T) {
	s := NewAuditStore()
	appendRecord(t, s, audit.Record{ID: "r-1"})
	if err := s.Append(context.Background(), audit.Record{ID: "r-1"}); !errors.Is(err, audit.ErrInvalidArgument) {
		t.Fatalf("duplicate append: %v", err)
	}
}
