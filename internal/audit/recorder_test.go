package audit_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"farmtrace.org/internal/audit"
	"farmtrace.org/internal/store/memory"
)

var recTime = time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC)

func newRecorder(t *testing.T, opts ...audit.RecorderOption) (*audit.Recorder, *memory.AuditStore) {
	t.Helper()
	store := memory.NewAuditStore()
	opts = append([]audit.RecorderOption{
		audit.WithRecorderClock(func() time.Time { return recTime }),
	}, opts...)
	return audit.NewRecorder(store, opts...), store
}

func TestRecordRedactsAndClassifies(t *testing.T) {
	rec, _ := newRecorder(t)
	ctx := context.Background()

	r := rec.Record(ctx, audit.Event{
		ActorID:  "actor-1",
		Action:   "role_grant",
		Category: "access",
		Outcome:  audit.OutcomeSuccess,
		RequestBody: map[string]any{
			"role":     "FARMER",
			"password": "hunter2",
		},
		Metadata: map[string]any{"api_key": "k-1", "request_id": "req-9"},
	})

	if !r.IsCritical {
		t.Fatal("role_grant must classify as critical")
	}
	if r.IsSuspicious || r.RequiresReview {
		t.Fatalf("successful grant should not be suspicious: %+v", r)
	}

	body := r.RequestBody.(map[string]any)
	if body["password"] != audit.RedactionMarker || body["role"] != "FARMER" {
		t.Fatalf("request body not redacted correctly: %v", body)
	}
	if r.Metadata["api_key"] != audit.RedactionMarker || r.Metadata["request_id"] != "req-9" {
		t.Fatalf("metadata not redacted correctly: %v", r.Metadata)
	}

	stored, err := rec.Find(ctx, r.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if stored.RequestBody.(map[string]any)["password"] != audit.RedactionMarker {
		t.Fatal("persisted body must be the redacted one")
	}
}

func TestForbiddenOutcomeFlagsReview(t *testing.T) {
	rec, _ := newRecorder(t)

	r := rec.Record(context.Background(), audit.Event{
		ActorID:  "actor-1",
		Action:   "authorization_check",
		Category: "access",
		Outcome:  audit.OutcomeForbidden,
	})
	if !r.IsSuspicious || !r.RequiresReview {
		t.Fatalf("forbidden outcome must require review: %+v", r)
	}
	if !strings.Contains(r.SuspicionReason, "forbidden") {
		t.Fatalf("reason should name the heuristic: %q", r.SuspicionReason)
	}
}

func TestRepeatedAuthFailures(t *testing.T) {
	rec, _ := newRecorder(t)
	ctx := context.Background()

	fail := audit.Event{ActorID: "actor-1", Action: "authentication", Category: "access", Outcome: audit.OutcomeFailure}

	for i := 0; i < 2; i++ {
		if r := rec.Record(ctx, fail); r.IsSuspicious {
			t.Fatalf("failure %d is below the threshold: %+v", i+1, r)
		}
	}
	if r := rec.Record(ctx, fail); !r.IsSuspicious {
		t.Fatal("third failure within the window must be flagged")
	}

	// A success resets the counter.
	rec.Record(ctx, audit.Event{ActorID: "actor-1", Action: "authentication", Category: "access", Outcome: audit.OutcomeSuccess})
	if r := rec.Record(ctx, fail); r.IsSuspicious {
		t.Fatalf("counter should reset after a success: %+v", r)
	}
}

func TestCustomSuspicionRule(t *testing.T) {
	rec, _ := newRecorder(t, audit.WithSuspicionRule(func(e audit.Event) (string, bool) {
		if e.Action == "payment_process" && e.Origin == "203.0.113.66" {
			return "payment from a flagged origin", true
		}
		return "", false
	}))

	r := rec.Record(context.Background(), audit.Event{
		ActorID:  "actor-1",
		Action:   "payment_process",
		Category: "payment",
		Outcome:  audit.OutcomeSuccess,
		Origin:   "203.0.113.66",
	})
	if !r.IsSuspicious || r.SuspicionReason != "payment from a flagged origin" {
		t.Fatalf("custom rule not applied: %+v", r)
	}
}

func TestReviewOnce(t *testing.T) {
	rec, _ := newRecorder(t)
	ctx := context.Background()

	r := rec.Record(ctx, audit.Event{ActorID: "actor-1", Action: "authorization_check", Category: "access", Outcome: audit.OutcomeForbidden})

	pending, err := rec.PendingReview(ctx, 10)
	if err != nil {
		t.Fatalf("PendingReview: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != r.ID {
		t.Fatalf("unexpected pending set: %+v", pending)
	}

	if err := rec.Review(ctx, r.ID, "reviewer-1", "confirmed probe"); err != nil {
		t.Fatalf("Review: %v", err)
	}
	reviewed, err := rec.Find(ctx, r.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if reviewed.ReviewedBy != "reviewer-1" || reviewed.RequiresReview {
		t.Fatalf("review not recorded: %+v", reviewed)
	}

	if err := rec.Review(ctx, r.ID, "reviewer-2", "second look"); !errors.Is(err, audit.ErrInvalidArgument) {
		t.Fatalf("second review must fail: %v", err)
	}
	if err := rec.Review(ctx, "missing", "reviewer-1", ""); !errors.Is(err, audit.ErrNotFound) {
		t.Fatalf("reviewing a missing record: %v", err)
	}
	if err := rec.Review(ctx, r.ID, " ", ""); !errors.Is(err, audit.ErrInvalidArgument) {
		t.Fatalf("blank reviewer: %v", err)
	}

	if pending, _ = rec.PendingReview(ctx, 10); len(pending) != 0 {
		t.Fatalf("reviewed record still pending: %+v", pending)
	}
}

func TestActorHistoryStripsBodies(t *testing.T) {
	rec, _ := newRecorder(t)
	ctx := context.Background()

	rec.Record(ctx, audit.Event{
		ActorID:     "actor-1",
		Action:      "order_create",
		Category:    "order",
		Outcome:     audit.OutcomeSuccess,
		RequestBody: map[string]any{"sku": "apples"},
	})

	history, err := rec.ActorHistory(ctx, "actor-1", 1, 50)
	if err != nil {
		t.Fatalf("ActorHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("unexpected history: %+v", history)
	}
	if history[0].RequestBody != nil || history[0].ResponseBody != nil {
		t.Fatal("listing must not expose bodies")
	}

	if _, err := rec.ActorHistory(ctx, " ", 1, 50); !errors.Is(err, audit.ErrInvalidArgument) {
		t.Fatalf("blank actor id: %v", err)
	}
}

func TestCountByCategory(t *testing.T) {
	rec, _ := newRecorder(t)
	ctx := context.Background()

	rec.Record(ctx, audit.Event{ActorID: "a", Action: "order_create", Category: "order", Outcome: audit.OutcomeSuccess})
	rec.Record(ctx, audit.Event{ActorID: "b", Action: "order_create", Category: "order", Outcome: audit.OutcomeSuccess})
	rec.Record(ctx, audit.Event{ActorID: "c", Action: "order_create", Category: "order", Outcome: audit.OutcomeFailure})

	counts, err := rec.CountByCategory(ctx, recTime.Add(-time.Hour), recTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("CountByCategory: %v", err)
	}
	total := int64(0)
	for _, c := range counts {
		if c.Category != "order" {
			t.Fatalf("unexpected category: %+v", c)
		}
		total += c.Count
	}
	if len(counts) != 2 || total != 3 {
		t.Fatalf("unexpected aggregation: %+v", counts)
	}

	if _, err := rec.CountByCategory(ctx, recTime, recTime); !errors.Is(err, audit.ErrInvalidArgument) {
		t.Fatalf("empty range: %v", err)
	}
}

// failingRecordStore drops every append.
type failingRecordStore struct {
	audit.RecordStore
}

func (failingRecordStore) Append(context.Context, audit.Record) error {
	return errors.New("dial tcp: connection refused")
}

func TestRecordSurvivesStoreFailure(t *testing.T) {
	rec := audit.NewRecorder(failingRecordStore{}, audit.WithRecorderClock(func() time.Time { return recTime }))

	r := rec.Record(context.Background(), audit.Event{ActorID: "a", Action: "order_create", Category: "order", Outcome: audit.OutcomeSuccess})
	if r.ID == "" || r.Action != "order_create" {
		t.Fatalf("Record must return the built record even when the append fails: %+v", r)
	}
}
