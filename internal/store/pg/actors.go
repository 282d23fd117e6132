package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"farmtrace.org/internal/access"
)

func (s *ActorStore) Create(ctx context.Context, actor access.Actor) error {
	rolesJSON, err := rolesToJSON(actor.Roles)
	if err != nil {
		return err
	}
	overridesJSON, err := permsToJSON(actor.Overrides)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into actors (
			id, wallet_address, roles, primary_role, overrides, status,
			suspend_reason, suspended_until, locked_until,
			verified, kyc_approved, version, created_at, updated_at
		)
		values ($1, lower($2), $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12, $13)
	`,
		actor.ID, actor.WalletAddress, rolesJSON, string(actor.PrimaryRole), overridesJSON,
		string(actor.Status), nullIfEmpty(actor.SuspendReason),
		nullIfZero(actor.SuspendedUntil), nullIfZero(actor.LockedUntil),
		actor.Verified, actor.KYCApproved, actor.CreatedAt.UTC(), actor.UpdatedAt.UTC(),
	)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: actor or wallet already registered", access.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

const actorColumns = `
	id, wallet_address, roles, primary_role, overrides, status,
	coalesce(suspend_reason, ''), suspended_until, locked_until,
	verified, kyc_approved, version, created_at, updated_at
`

func (s *ActorStore) Find(ctx context.Context, id string) (access.Actor, error) {
	row := s.db.QueryRowContext(ctx, `select `+actorColumns+` from actors where id = $1`, id)
	actor, err := scanActor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Actor{}, fmt.Errorf("%w: actor %s", access.ErrNotFound, id)
	}
	return actor, err
}

func (s *ActorStore) FindByWallet(ctx context.Context, walletAddress string) (access.Actor, error) {
	row := s.db.QueryRowContext(ctx, `select `+actorColumns+` from actors where wallet_address = lower($1)`, walletAddress)
	actor, err := scanActor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Actor{}, fmt.Errorf("%w: wallet %s", access.ErrNotFound, walletAddress)
	}
	return actor, err
}

// Update applies the state change and the optional history entry in one
// transaction, conditioned on the stored version. Zero rows affected means a
// concurrent writer won, unless the actor no longer exists at all.
func (s *ActorStore) Update(ctx context.Context, actor access.Actor, expectedVersion int64, history *access.RoleChange) error {
	rolesJSON, err := rolesToJSON(actor.Roles)
	if err != nil {
		return err
	}
	overridesJSON, err := permsToJSON(actor.Overrides)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update actors set
			roles = $3, primary_role = $4, overrides = $5, status = $6,
			suspend_reason = $7, suspended_until = $8, locked_until = $9,
			verified = $10, kyc_approved = $11,
			version = version + 1, updated_at = $12
		where id = $1 and version = $2
	`,
		actor.ID, expectedVersion, rolesJSON, string(actor.PrimaryRole), overridesJSON,
		string(actor.Status), nullIfEmpty(actor.SuspendReason),
		nullIfZero(actor.SuspendedUntil), nullIfZero(actor.LockedUntil),
		actor.Verified, actor.KYCApproved, actor.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `select 1 from actors where id = $1`, actor.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: actor %s", access.ErrNotFound, actor.ID)
		}
		if err != nil {
			return err
		}
		return access.ErrVersionConflict
	}

	if history != nil {
		if _, err := tx.ExecContext(ctx, `
			insert into role_history (id, actor_id, role, change, changed_by, reason, occurred_at)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, history.ID, history.ActorID, string(history.Role), history.Change,
			history.ChangedBy, history.Reason, history.OccurredAt.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *ActorStore) History(ctx context.Context, actorID string, limit int) ([]access.RoleChange, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, actor_id, role, change, changed_by, reason, occurred_at
		from role_history
		where actor_id = $1
		order by occurred_at desc
		limit $2
	`, actorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.RoleChange
	for rows.Next() {
		var (
			c    access.RoleChange
			role string
		)
		if err := rows.Scan(&c.ID, &c.ActorID, &role, &c.Change, &c.ChangedBy, &c.Reason, &c.OccurredAt); err != nil {
			return nil, err
		}
		c.Role = access.RoleName(role)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Seed upserts builtin definitions without clobbering operator edits: only
// missing roles are inserted.
func (s *RoleStore) Seed(ctx context.Context, defs []access.Definition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, def := range defs {
		row, err := definitionRow(def)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into roles (
				name, level, description, permissions, excluded_permissions, rate_limits,
				requires_verification, requires_kyc, exclusive, conflicts_with, active
			)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			on conflict (name) do nothing
		`, row...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *RoleStore) List(ctx context.Context) ([]access.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		select name, level, coalesce(description, ''), permissions, excluded_permissions, rate_limits,
			requires_verification, requires_kyc, exclusive, conflicts_with, active
		from roles
		order by level desc, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []access.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *RoleStore) Save(ctx context.Context, def access.Definition) error {
	row, err := definitionRow(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into roles (
			name, level, description, permissions, excluded_permissions, rate_limits,
			requires_verification, requires_kyc, exclusive, conflicts_with, active
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		on conflict (name) do update set
			level = excluded.level,
			description = excluded.description,
			permissions = excluded.permissions,
			excluded_permissions = excluded.excluded_permissions,
			rate_limits = excluded.rate_limits,
			requires_verification = excluded.requires_verification,
			requires_kyc = excluded.requires_kyc,
			exclusive = excluded.exclusive,
			conflicts_with = excluded.conflicts_with,
			active = excluded.active,
			updated_at = now()
	`, row...)
	return err
}

func definitionRow(def access.Definition) ([]any, error) {
	permsJSON, err := permsToJSON(def.Permissions)
	if err != nil {
		return nil, err
	}
	excludedJSON, err := permsToJSON(def.Excluded)
	if err != nil {
		return nil, err
	}
	limitsJSON, err := json.Marshal(def.RateLimits)
	if err != nil {
		return nil, err
	}
	conflictsJSON, err := rolesToJSON(def.ConflictsWith)
	if err != nil {
		return nil, err
	}
	return []any{
		string(def.Name), def.Level, nullIfEmpty(def.Description),
		permsJSON, excludedJSON, limitsJSON,
		def.RequiresVerification, def.RequiresKYC, def.Exclusive,
		conflictsJSON, def.Active,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(row rowScanner) (access.Actor, error) {
	var (
		actor          access.Actor
		primary        string
		status         string
		rolesRaw       []byte
		overridesRaw   []byte
		suspendedUntil sql.NullTime
		lockedUntil    sql.NullTime
	)
	err := row.Scan(
		&actor.ID, &actor.WalletAddress, &rolesRaw, &primary, &overridesRaw, &status,
		&actor.SuspendReason, &suspendedUntil, &lockedUntil,
		&actor.Verified, &actor.KYCApproved, &actor.Version, &actor.CreatedAt, &actor.UpdatedAt,
	)
	if err != nil {
		return access.Actor{}, err
	}
	actor.PrimaryRole = access.RoleName(primary)
	actor.Status = access.ActorStatus(status)
	if suspendedUntil.Valid {
		actor.SuspendedUntil = suspendedUntil.Time
	}
	if lockedUntil.Valid {
		actor.LockedUntil = lockedUntil.Time
	}
	if actor.Roles, err = rolesFromJSON(rolesRaw); err != nil {
		return access.Actor{}, err
	}
	if actor.Overrides, err = permsFromJSON(overridesRaw); err != nil {
		return access.Actor{}, err
	}
	return actor, nil
}

func scanDefinition(row rowScanner) (access.Definition, error) {
	var (
		def          access.Definition
		name         string
		permsRaw     []byte
		excludedRaw  []byte
		limitsRaw    []byte
		conflictsRaw []byte
	)
	err := row.Scan(
		&name, &def.Level, &def.Description, &permsRaw, &excludedRaw, &limitsRaw,
		&def.RequiresVerification, &def.RequiresKYC, &def.Exclusive, &conflictsRaw, &def.Active,
	)
	if err != nil {
		return access.Definition{}, err
	}
	def.Name = access.RoleName(name)
	if def.Permissions, err = permsFromJSON(permsRaw); err != nil {
		return access.Definition{}, err
	}
	if def.Excluded, err = permsFromJSON(excludedRaw); err != nil {
		return access.Definition{}, err
	}
	if len(limitsRaw) > 0 {
		if err := json.Unmarshal(limitsRaw, &def.RateLimits); err != nil {
			return access.Definition{}, fmt.Errorf("decode rate limits for role %s: %w", name, err)
		}
	}
	if def.ConflictsWith, err = rolesFromJSON(conflictsRaw); err != nil {
		return access.Definition{}, err
	}
	return def, nil
}

// Roles and permissions are stored as jsonb string arrays in their canonical
// text forms.

func rolesToJSON(roles []access.RoleName) ([]byte, error) {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return json.Marshal(names)
}

func rolesFromJSON(raw []byte) ([]access.RoleName, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	roles := make([]access.RoleName, len(names))
	for i, n := range names {
		roles[i] = access.RoleName(strings.ToUpper(n))
	}
	return roles, nil
}

func permsToJSON(perms []access.Permission) ([]byte, error) {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.String()
	}
	return json.Marshal(out)
}

func permsFromJSON(raw []byte) ([]access.Permission, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var specs []string
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	perms := make([]access.Permission, 0, len(specs))
	for _, spec := range specs {
		p, err := access.ParsePermission(spec)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, nil
}
