package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"farmtrace.org/internal/audit"
)

func (s *AuditStore) Append(ctx context.Context, rec audit.Record) error {
	reqJSON, err := bodyToJSON(rec.RequestBody)
	if err != nil {
		return err
	}
	respJSON, err := bodyToJSON(rec.ResponseBody)
	if err != nil {
		return err
	}
	var metaJSON []byte
	if len(rec.Metadata) > 0 {
		if metaJSON, err = json.Marshal(rec.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		insert into audit_records (
			id, occurred_at, actor_id, wallet_address, action, category,
			resource_type, resource_id, outcome, message,
			request_body, response_body, origin, duration_ms, metadata,
			is_critical, is_suspicious, suspicion_reason, requires_review
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`,
		rec.ID, rec.OccurredAt.UTC(), nullIfEmpty(rec.ActorID), nullIfEmpty(rec.WalletAddress),
		rec.Action, rec.Category, nullIfEmpty(rec.ResourceType), nullIfEmpty(rec.ResourceID),
		string(rec.Outcome), nullIfEmpty(rec.Message),
		reqJSON, respJSON, nullIfEmpty(rec.Origin), rec.DurationMS, metaJSON,
		rec.IsCritical, rec.IsSuspicious, nullIfEmpty(rec.SuspicionReason), rec.RequiresReview,
	)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: duplicate record %s", audit.ErrInvalidArgument, rec.ID)
		}
		return err
	}
	return nil
}

const auditColumns = `
	id, occurred_at, coalesce(actor_id, ''), coalesce(wallet_address, ''), action, category,
	coalesce(resource_type, ''), coalesce(resource_id, ''), outcome, coalesce(message, ''),
	request_body, response_body, coalesce(origin, ''), duration_ms, metadata,
	is_critical, is_suspicious, coalesce(suspicion_reason, ''), requires_review,
	coalesce(reviewed_by, ''), reviewed_at, coalesce(review_notes, '')
`

func (s *AuditStore) Find(ctx context.Context, id string) (audit.Record, error) {
	row := s.db.QueryRowContext(ctx, `select `+auditColumns+` from audit_records where id = $1`, id)
	rec, err := scanAuditRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Record{}, fmt.Errorf("%w: record %s", audit.ErrNotFound, id)
	}
	return rec, err
}

func (s *AuditStore) ActorHistory(ctx context.Context, actorID string, limit, offset int) ([]audit.Record, error) {
	return s.listRecords(ctx, `
		select `+auditColumns+`
		from audit_records
		where actor_id = $1
		order by occurred_at desc
		limit $2 offset $3
	`, actorID, limit, offset)
}

func (s *AuditStore) PendingReview(ctx context.Context, limit int) ([]audit.Record, error) {
	return s.listRecords(ctx, `
		select `+auditColumns+`
		from audit_records
		where is_suspicious and requires_review and reviewed_by is null
		order by occurred_at asc
		limit $1
	`, limit)
}

func (s *AuditStore) Critical(ctx context.Context, limit int) ([]audit.Record, error) {
	return s.listRecords(ctx, `
		select `+auditColumns+`
		from audit_records
		where is_critical
		order by occurred_at desc
		limit $1
	`, limit)
}

func (s *AuditStore) CountByCategory(ctx context.Context, from, to time.Time) ([]audit.CategoryCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		select category, outcome, count(*)
		from audit_records
		where occurred_at >= $1 and occurred_at < $2
		group by category, outcome
		order by category, outcome
	`, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.CategoryCount
	for rows.Next() {
		var (
			c       audit.CategoryCount
			outcome string
		)
		if err := rows.Scan(&c.Category, &outcome, &c.Count); err != nil {
			return nil, err
		}
		c.Outcome = audit.Outcome(outcome)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Review sets the review fields once. The reviewed_by guard makes a second
// review a no-op at the SQL level, reported as an invalid argument.
func (s *AuditStore) Review(ctx context.Context, id, reviewerID, notes string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update audit_records set
			reviewed_by = $2, reviewed_at = $3, review_notes = $4, requires_review = false
		where id = $1 and reviewed_by is null
	`, id, reviewerID, at.UTC(), nullIfEmpty(notes))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `select 1 from audit_records where id = $1`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: record %s", audit.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: record %s already reviewed", audit.ErrInvalidArgument, id)
	}
	return nil
}

func (s *AuditStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from audit_records
		where not is_critical and occurred_at < $1
	`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *AuditStore) listRecords(ctx context.Context, query string, args ...any) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanAuditRecord(row rowScanner) (audit.Record, error) {
	var (
		rec        audit.Record
		outcome    string
		reqRaw     []byte
		respRaw    []byte
		metaRaw    []byte
		reviewedAt sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.OccurredAt, &rec.ActorID, &rec.WalletAddress, &rec.Action, &rec.Category,
		&rec.ResourceType, &rec.ResourceID, &outcome, &rec.Message,
		&reqRaw, &respRaw, &rec.Origin, &rec.DurationMS, &metaRaw,
		&rec.IsCritical, &rec.IsSuspicious, &rec.SuspicionReason, &rec.RequiresReview,
		&rec.ReviewedBy, &reviewedAt, &rec.ReviewNotes,
	)
	if err != nil {
		return audit.Record{}, err
	}
	rec.Outcome = audit.Outcome(outcome)
	if reviewedAt.Valid {
		rec.ReviewedAt = reviewedAt.Time
	}
	if len(reqRaw) > 0 {
		if err := json.Unmarshal(reqRaw, &rec.RequestBody); err != nil {
			return audit.Record{}, fmt.Errorf("decode request body: %w", err)
		}
	}
	if len(respRaw) > 0 {
		if err := json.Unmarshal(respRaw, &rec.ResponseBody); err != nil {
			return audit.Record{}, fmt.Errorf("decode response body: %w", err)
		}
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &rec.Metadata); err != nil {
			return audit.Record{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return rec, nil
}

func bodyToJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return data, nil
}
