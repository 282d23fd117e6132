package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"farmtrace.org/internal/ratelimit"
)

// IncrementAndFetch is a single upsert so the block check, expired-block
// cleanup and increment are one atomic statement. References to the table
// inside the conflict clause read the pre-update row, which is exactly the
// state the guards must test.
func (s *WindowStore) IncrementAndFetch(ctx context.Context, key ratelimit.Key, end time.Time, limit int, origin string, now time.Time) (ratelimit.IncrementOutcome, error) {
	var (
		out          ratelimit.IncrementOutcome
		reason       sql.NullString
		blockedUntil sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		insert into rate_limit_windows (
			actor_id, action, window_type, window_start, window_end,
			count, max_count, origins, last_attempt_at
		)
		values (
			$1, $2, $3, $4, $5, 1, $6,
			case when $7 = '' then '[]'::jsonb else jsonb_build_array($7::text) end,
			$8
		)
		on conflict (actor_id, action, window_type, window_start) do update set
			count = case
				when rate_limit_windows.blocked and rate_limit_windows.blocked_until > $8
					then rate_limit_windows.count
				else rate_limit_windows.count + 1
			end,
			max_count = $6,
			blocked = rate_limit_windows.blocked and rate_limit_windows.blocked_until > $8,
			block_reason = case
				when rate_limit_windows.blocked and rate_limit_windows.blocked_until > $8
					then rate_limit_windows.block_reason
				else null
			end,
			blocked_until = case
				when rate_limit_windows.blocked and rate_limit_windows.blocked_until > $8
					then rate_limit_windows.blocked_until
				else null
			end,
			last_attempt_at = case
				when rate_limit_windows.blocked and rate_limit_windows.blocked_until > $8
					then rate_limit_windows.last_attempt_at
				else $8
			end,
			origins = case
				when $7 = '' or rate_limit_windows.origins @> jsonb_build_array($7::text)
					then rate_limit_windows.origins
				else rate_limit_windows.origins || jsonb_build_array($7::text)
			end
		returning count, blocked, block_reason, blocked_until
	`, key.ActorID, key.Action, string(key.Type), key.Start.UTC(), end.UTC(),
		limit, origin, now.UTC(),
	).Scan(&out.Count, &out.Blocked, &reason, &blockedUntil)
	if err != nil {
		return ratelimit.IncrementOutcome{}, err
	}
	if reason.Valid {
		out.BlockReason = reason.String
	}
	if blockedUntil.Valid {
		out.BlockedUntil = blockedUntil.Time
	}
	return out, nil
}

// TransitionBlocked flips the row to blocked and records the violation in one
// transaction. The where clause makes it idempotent under concurrent
// crossers: only the first writer observes an unblocked over-limit row.
func (s *WindowStore) TransitionBlocked(ctx context.Context, key ratelimit.Key, until time.Time, reason string, v ratelimit.Violation) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update rate_limit_windows set
			blocked = true,
			block_reason = $5,
			blocked_until = $6,
			total_violations = total_violations + 1
		where actor_id = $1 and action = $2 and window_type = $3 and window_start = $4
			and not blocked and count > max_count
	`, key.ActorID, key.Action, string(key.Type), key.Start.UTC(), reason, until.UTC())
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if aff == 0 {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		insert into rate_limit_violations (id, actor_id, action, window_type, attempted_count, origin, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, v.ID, v.ActorID, v.Action, string(v.WindowType), v.AttemptedCount,
		nullIfEmpty(v.Origin), v.OccurredAt.UTC()); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *WindowStore) Get(ctx context.Context, key ratelimit.Key) (ratelimit.Window, error) {
	var (
		w            ratelimit.Window
		wtype        string
		reason       sql.NullString
		blockedUntil sql.NullTime
		lastAttempt  sql.NullTime
		originsRaw   []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select actor_id, action, window_type, window_start, window_end,
			count, max_count, blocked, block_reason, blocked_until,
			origins, last_attempt_at, total_violations
		from rate_limit_windows
		where actor_id = $1 and action = $2 and window_type = $3 and window_start = $4
	`, key.ActorID, key.Action, string(key.Type), key.Start.UTC()).Scan(
		&w.ActorID, &w.Action, &wtype, &w.Start, &w.End,
		&w.Count, &w.Limit, &w.Blocked, &reason, &blockedUntil,
		&originsRaw, &lastAttempt, &w.TotalViolations,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ratelimit.Window{}, fmt.Errorf("%w: window for actor %s action %s", ratelimit.ErrNotFound, key.ActorID, key.Action)
	}
	if err != nil {
		return ratelimit.Window{}, err
	}
	w.Type = ratelimit.WindowType(wtype)
	if reason.Valid {
		w.BlockReason = reason.String
	}
	if blockedUntil.Valid {
		w.BlockedUntil = blockedUntil.Time
	}
	if lastAttempt.Valid {
		w.LastAttemptAt = lastAttempt.Time
	}
	if len(originsRaw) > 0 {
		if err := json.Unmarshal(originsRaw, &w.Origins); err != nil {
			return ratelimit.Window{}, fmt.Errorf("decode origins: %w", err)
		}
	}
	return w, nil
}

// SetBlock is the manual admin block: it upserts the row so a block can land
// before the actor's first request in the window.
func (s *WindowStore) SetBlock(ctx context.Context, key ratelimit.Key, end time.Time, until time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into rate_limit_windows (
			actor_id, action, window_type, window_start, window_end,
			count, max_count, blocked, block_reason, blocked_until
		)
		values ($1, $2, $3, $4, $5, 0, 0, true, $6, $7)
		on conflict (actor_id, action, window_type, window_start) do update set
			blocked = true,
			block_reason = excluded.block_reason,
			blocked_until = excluded.blocked_until
	`, key.ActorID, key.Action, string(key.Type), key.Start.UTC(), end.UTC(), reason, until.UTC())
	return err
}

func (s *WindowStore) ClearBlock(ctx context.Context, key ratelimit.Key) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update rate_limit_windows set blocked = false, block_reason = null, blocked_until = null
		where actor_id = $1 and action = $2 and window_type = $3 and window_start = $4 and blocked
	`, key.ActorID, key.Action, string(key.Type), key.Start.UTC())
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

func (s *WindowStore) Reset(ctx context.Context, actorID, action string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from rate_limit_windows
		where actor_id = $1 and ($2 = '' or action = $2)
	`, actorID, action)
	return err
}

func (s *WindowStore) Violations(ctx context.Context, actorID string, limit int) ([]ratelimit.Violation, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, actor_id, action, window_type, attempted_count, coalesce(origin, ''), occurred_at
		from rate_limit_violations
		where $1 = '' or actor_id = $1
		order by occurred_at desc
		limit $2
	`, actorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ratelimit.Violation
	for rows.Next() {
		var (
			v     ratelimit.Violation
			wtype string
		)
		if err := rows.Scan(&v.ID, &v.ActorID, &v.Action, &wtype, &v.AttemptedCount, &v.Origin, &v.OccurredAt); err != nil {
			return nil, err
		}
		v.WindowType = ratelimit.WindowType(wtype)
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteExpired drops ended windows, keeping rows whose block still runs.
func (s *WindowStore) DeleteExpired(ctx context.Context, endedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from rate_limit_windows
		where window_end < $1 and not (blocked and blocked_until > $1)
	`, endedBefore.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
