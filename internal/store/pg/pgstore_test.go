package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"farmtrace.org/internal/access"
	"farmtrace.org/internal/audit"
	"farmtrace.org/internal/ratelimit"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestActorStoreFind(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "wallet_address", "roles", "primary_role", "overrides", "status",
		"suspend_reason", "suspended_until", "locked_until",
		"verified", "kyc_approved", "version", "created_at", "updated_at",
	}).AddRow(
		"a-1", "0xabc", []byte(`["FARMER","CONSUMER"]`), "FARMER", []byte(`["user:read"]`), "active",
		"", nil, nil,
		true, true, int64(3), now, now,
	)
	mock.ExpectQuery("select .* from actors where id =").WithArgs("a-1").WillReturnRows(rows)

	actor, err := store.Actors().Find(context.Background(), "a-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if actor.PrimaryRole != access.RoleFarmer || len(actor.Roles) != 2 || actor.Version != 3 {
		t.Fatalf("unexpected actor: %+v", actor)
	}
	if len(actor.Overrides) != 1 || actor.Overrides[0].String() != "user:read" {
		t.Fatalf("overrides not decoded: %+v", actor.Overrides)
	}
	expectationsMet(t, mock)
}

func TestActorStoreFindNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select .* from actors where id =").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Actors().Find(context.Background(), "missing")
	if !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestActorStoreCreateUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into actors").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	actor := access.NewActor("0xabc", time.Now())
	err := store.Actors().Create(context.Background(), actor)
	if !errors.Is(err, access.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestActorStoreUpdateVersionConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update actors set").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from actors").WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	actor := access.NewActor("0xabc", time.Now())
	err := store.Actors().Update(context.Background(), actor, 4, nil)
	if !errors.Is(err, access.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestWindowStoreIncrementAndFetch(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 6, 2, 10, 0, 30, 0, time.UTC)
	start, end := ratelimit.WindowMinute.Bounds(now)

	mock.ExpectQuery("insert into rate_limit_windows").
		WithArgs("a-1", "op", "minute", start, end, 5, "10.0.0.1", now).
		WillReturnRows(sqlmock.NewRows([]string{"count", "blocked", "block_reason", "blocked_until"}).
			AddRow(3, false, nil, nil))

	key := ratelimit.Key{ActorID: "a-1", Action: "op", Type: ratelimit.WindowMinute, Start: start}
	out, err := store.Windows().IncrementAndFetch(context.Background(), key, end, 5, "10.0.0.1", now)
	if err != nil {
		t.Fatalf("IncrementAndFetch: %v", err)
	}
	if out.Count != 3 || out.Blocked {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	expectationsMet(t, mock)
}

func TestWindowStoreTransitionBlockedNoop(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 6, 2, 10, 0, 30, 0, time.UTC)
	start, _ := ratelimit.WindowMinute.Bounds(now)

	mock.ExpectBegin()
	mock.ExpectExec("update rate_limit_windows set").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	key := ratelimit.Key{ActorID: "a-1", Action: "op", Type: ratelimit.WindowMinute, Start: start}
	transitioned, err := store.Windows().TransitionBlocked(context.Background(), key, now.Add(time.Minute), "over", ratelimit.Violation{ID: "v-1"})
	if err != nil {
		t.Fatalf("TransitionBlocked: %v", err)
	}
	if transitioned {
		t.Fatal("a row already blocked by a concurrent crosser must report false")
	}
	expectationsMet(t, mock)
}

func TestAuditStoreReviewAlreadyReviewed(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update audit_records set").
		WithArgs("r-1", "rev-2", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from audit_records").WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	err := store.Audit().Review(context.Background(), "r-1", "rev-2", "again", time.Now())
	if !errors.Is(err, audit.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestRoleStoreList(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"name", "level", "description", "permissions", "excluded_permissions", "rate_limits",
		"requires_verification", "requires_kyc", "exclusive", "conflicts_with", "active",
	}).AddRow(
		"ADMIN", 8, "ops", []byte(`["user:*","role:*"]`), []byte(`["user:delete"]`),
		[]byte(`{"role_change":{"limit":50,"per":"day"}}`),
		true, false, false, []byte(`[]`), true,
	)
	mock.ExpectQuery("select name, level, .* from roles").WillReturnRows(rows)

	defs, err := store.Roles().List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != access.RoleAdmin || defs[0].Level != 8 {
		t.Fatalf("unexpected definitions: %+v", defs)
	}
	if len(defs[0].Excluded) != 1 || defs[0].Excluded[0].String() != "user:delete" {
		t.Fatalf("exclusions not decoded: %+v", defs[0].Excluded)
	}
	if defs[0].RateLimits["role_change"].Limit != 50 {
		t.Fatalf("rate limits not decoded: %+v", defs[0].RateLimits)
	}
	expectationsMet(t, mock)
}
