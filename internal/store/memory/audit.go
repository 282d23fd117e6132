package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"farmtrace.org/internal/audit"
)

// AuditStore is an in-memory audit.RecordStore.
type AuditStore struct {
	mu      sync.RWMutex
	records []audit.Record
	byID    map[string]int
}

func NewAuditStore() *AuditStore {
	return &AuditStore{byID: make(map[string]int)}
}

func (s *AuditStore) Append(ctx context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[rec.ID]; ok {
		return fmt.Errorf("%w: duplicate record %s", audit.ErrInvalidArgument, rec.ID)
	}
	s.byID[rec.ID] = len(s.records)
	s.records = append(s.records, rec)
	return nil
}

func (s *AuditStore) Find(ctx context.Context, id string) (audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byID[id]
	if !ok {
		return audit.Record{}, fmt.Errorf("%w: record %s", audit.ErrNotFound, id)
	}
	return s.records[i], nil
}

func (s *AuditStore) ActorHistory(ctx context.Context, actorID string, limit, offset int) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.filter(func(r audit.Record) bool { return r.ActorID == actorID })
	sort.Slice(matched, func(i, j int) bool { return matched[i].OccurredAt.After(matched[j].OccurredAt) })
	return page(matched, limit, offset), nil
}

func (s *AuditStore) PendingReview(ctx context.Context, limit int) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.filter(func(r audit.Record) bool {
		return r.IsSuspicious && r.RequiresReview && r.ReviewedBy == ""
	})
	sort.Slice(matched, func(i, j int) bool { return matched[i].OccurredAt.Before(matched[j].OccurredAt) })
	return page(matched, limit, 0), nil
}

func (s *AuditStore) Critical(ctx context.Context, limit int) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.filter(func(r audit.Record) bool { return r.IsCritical })
	sort.Slice(matched, func(i, j int) bool { return matched[i].OccurredAt.After(matched[j].OccurredAt) })
	return page(matched, limit, 0), nil
}

func (s *AuditStore) CountByCategory(ctx context.Context, from, to time.Time) ([]audit.CategoryCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type bucket struct {
		category string
		outcome  audit.Outcome
	}
	counts := make(map[bucket]int64)
	for _, r := range s.records {
		if r.OccurredAt.Before(from) || !r.OccurredAt.Before(to) {
			continue
		}
		counts[bucket{r.Category, r.Outcome}]++
	}
	out := make([]audit.CategoryCount, 0, len(counts))
	for b, n := range counts {
		out = append(out, audit.CategoryCount{Category: b.category, Outcome: b.outcome, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out, nil
}

func (s *AuditStore) Review(ctx context.Context, id, reviewerID, notes string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: record %s", audit.ErrNotFound, id)
	}
	if s.records[i].ReviewedBy != "" {
		return fmt.Errorf("%w: record %s already reviewed", audit.ErrInvalidArgument, id)
	}
	s.records[i].ReviewedBy = reviewerID
	s.records[i].ReviewedAt = at.UTC()
	s.records[i].ReviewNotes = notes
	s.records[i].RequiresReview = false
	return nil
}

// DeleteExpired removes aged non-critical records. Critical records are
// exempt from retention.
func (s *AuditStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var removed int64
	for _, r := range s.records {
		if !r.IsCritical && r.OccurredAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	s.byID = make(map[string]int, len(kept))
	for i, r := range kept {
		s.byID[r.ID] = i
	}
	return removed, nil
}

func (s *AuditStore) filter(keep func(audit.Record) bool) []audit.Record {
	var out []audit.Record
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func page(records []audit.Record, limit, offset int) []audit.Record {
	if offset >= len(records) {
		return nil
	}
	records = records[offset:]
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return append([]audit.Record(nil), records...)
}
