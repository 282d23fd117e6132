package audit

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

const (
	defaultRetention  = 90 * 24 * time.Hour
	defaultSweepEvery = time.Hour

	maxHistoryPage = 100
	maxListLimit   = 500
)

// Recorder classifies, redacts and persists audit events. Record never
// returns an error: losing an audit line must not fail the operation that
// produced it, so store failures are logged and swallowed.
type Recorder struct {
	store      RecordStore
	now        func() time.Time
	retention  time.Duration
	sweepEvery time.Duration
	rules      []SuspicionRule
	authFails  *failureTracker

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

type RecorderOption func(*Recorder)

// WithRecorderClock overrides the time source for tests.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithRecorderRetention overrides how long non-critical records are kept.
func WithRecorderRetention(retention, sweepEvery time.Duration) RecorderOption {
	return func(r *Recorder) {
		if retention > 0 {
			r.retention = retention
		}
		if sweepEvery > 0 {
			r.sweepEvery = sweepEvery
		}
	}
}

// WithSuspicionRule appends a custom heuristic evaluated on every event.
func WithSuspicionRule(rule SuspicionRule) RecorderOption {
	return func(r *Recorder) { r.rules = append(r.rules, rule) }
}

func NewRecorder(store RecordStore, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:      store,
		now:        time.Now,
		retention:  defaultRetention,
		sweepEvery: defaultSweepEvery,
		authFails:  newFailureTracker(),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record builds, classifies and persists one record. The returned record
// reflects what was written; on store failure it is returned anyway so the
// caller can still log it.
func (r *Recorder) Record(ctx context.Context, e Event) Record {
	now := r.now().UTC()

	rec := Record{
		ID:            ids.New(),
		OccurredAt:    now,
		ActorID:       e.ActorID,
		WalletAddress: e.WalletAddress,
		Action:        e.Action,
		Category:      e.Category,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
		Outcome:       e.Outcome,
		Message:       e.Message,
		RequestBody:   Redact(e.RequestBody),
		ResponseBody:  Redact(e.ResponseBody),
		Origin:        e.Origin,
		DurationMS:    e.Duration.Milliseconds(),
	}
	if len(e.Metadata) > 0 {
		if m, ok := Redact(mapToAny(e.Metadata)).(map[string]any); ok {
			rec.Metadata = m
		}
	}

	rec.IsCritical = IsCriticalAction(e.Action)
	if reason, ok := r.suspicion(e, now); ok {
		rec.IsSuspicious = true
		rec.SuspicionReason = reason
		rec.RequiresReview = true
	}

	obs.AuditRecorded(classification(rec))

	if err := r.store.Append(ctx, rec); err != nil {
		obs.LogRequest(map[string]any{
			"ts":     now.Format(time.RFC3339Nano),
			"level":  "error",
			"msg":    "audit append failed",
			"action": e.Action,
			"actor":  e.ActorID,
			"error":  err.Error(),
		})
	}
	return rec
}

// suspicion applies the built-in heuristics, then custom rules.
func (r *Recorder) suspicion(e Event, now time.Time) (string, bool) {
	key := e.ActorID
	if key == "" {
		key = e.Origin
	}

	if isAuthAction(e.Action) && key != "" {
		switch e.Outcome {
		case OutcomeSuccess:
			r.authFails.reset(key)
		default:
			if n := r.authFails.observe(key, now); n >= authFailureThreshold {
				return fmt.Sprintf("%d authentication failures within %s", n, authFailureWindow), true
			}
		}
	}

	if e.Outcome == OutcomeForbidden {
		return "forbidden outcome on " + e.Action, true
	}

	for _, rule := range r.rules {
		if reason, ok := rule(e); ok {
			return reason, true
		}
	}
	return "", false
}

func classification(rec Record) string {
	switch {
	case rec.IsCritical && rec.IsSuspicious:
		return "critical_suspicious"
	case rec.IsCritical:
		return "critical"
	case rec.IsSuspicious:
		return "suspicious"
	default:
		return "normal"
	}
}

// ActorHistory returns an actor's records newest first, bodies stripped.
func (r *Recorder) ActorHistory(ctx context.Context, actorID string, page, pageSize int) ([]Record, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, fmt.Errorf("%w: actor id is required", ErrInvalidArgument)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > maxHistoryPage {
		pageSize = maxHistoryPage
	}
	recs, err := r.store.ActorHistory(ctx, actorID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, r.queryErr(err)
	}
	out := make([]Record, len(recs))
	for i, rec := range recs {
		out[i] = rec.WithoutBodies()
	}
	return out, nil
}

// Find returns a single record with bodies intact.
func (r *Recorder) Find(ctx context.Context, id string) (Record, error) {
	rec, err := r.store.Find(ctx, id)
	if err != nil {
		return Record{}, r.queryErr(err)
	}
	return rec, nil
}

// PendingReview lists suspicious records awaiting review, oldest first.
func (r *Recorder) PendingReview(ctx context.Context, limit int) ([]Record, error) {
	recs, err := r.store.PendingReview(ctx, clampLimit(limit))
	if err != nil {
		return nil, r.queryErr(err)
	}
	return recs, nil
}

// Critical lists critical records newest first.
func (r *Recorder) Critical(ctx context.Context, limit int) ([]Record, error) {
	recs, err := r.store.Critical(ctx, clampLimit(limit))
	if err != nil {
		return nil, r.queryErr(err)
	}
	return recs, nil
}

// CountByCategory aggregates counts per category and outcome over [from, to).
func (r *Recorder) CountByCategory(ctx context.Context, from, to time.Time) ([]CategoryCount, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("%w: empty time range", ErrInvalidArgument)
	}
	counts, err := r.store.CountByCategory(ctx, from, to)
	if err != nil {
		return nil, r.queryErr(err)
	}
	return counts, nil
}

// Review marks a suspicious record as reviewed. A record can be reviewed
// exactly once; criticality is never cleared by review.
func (r *Recorder) Review(ctx context.Context, id, reviewerID, notes string) error {
	if strings.TrimSpace(reviewerID) == "" {
		return fmt.Errorf("%w: reviewer id is required", ErrInvalidArgument)
	}
	if err := r.store.Review(ctx, id, reviewerID, notes, r.now().UTC()); err != nil {
		return r.queryErr(err)
	}
	return nil
}

// Start launches the retention sweeper. Critical records are exempt.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop halts the retention sweeper and waits for it to exit.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Recorder) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	before := r.now().UTC().Add(-r.retention)
	removed, err := r.store.DeleteExpired(ctx, before)
	if err != nil {
		obs.LogRequest(map[string]any{
			"ts":    r.now().UTC().Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "audit retention sweep failed",
			"error": err.Error(),
		})
		return
	}
	if removed > 0 {
		obs.LogRequest(map[string]any{
			"ts":      r.now().UTC().Format(time.RFC3339Nano),
			"level":   "info",
			"msg":     "audit retention sweep",
			"removed": removed,
		})
	}
}

func (r *Recorder) queryErr(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidArgument) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func clampLimit(limit int) int {
	if limit < 1 || limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func mapToAny(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
