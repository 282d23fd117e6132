// Package pg is the Postgres persistence layer. One connection pool backs
// four store facades implementing the actor, role, window and audit
// contracts over database/sql with the pgx stdlib driver.
package pg

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"farmtrace.org/internal/access"
	"farmtrace.org/internal/audit"
	"farmtrace.org/internal/ratelimit"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle, used by sqlmock tests.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// The facades share the pool; each implements one store contract.

type ActorStore struct{ db *sql.DB }

type RoleStore struct{ db *sql.DB }

type WindowStore struct{ db *sql.DB }

type AuditStore struct{ db *sql.DB }

var (
	_ access.ActorStore     = (*ActorStore)(nil)
	_ access.RoleStore      = (*RoleStore)(nil)
	_ ratelimit.WindowStore = (*WindowStore)(nil)
	_ audit.RecordStore     = (*AuditStore)(nil)
)

func (s *Store) Actors() *ActorStore { return &ActorStore{db: s.db} }

func (s *Store) Roles() *RoleStore { return &RoleStore{db: s.db} }

func (s *Store) Windows() *WindowStore { return &WindowStore{db: s.db} }

func (s *Store) Audit() *AuditStore { return &AuditStore{db: s.db} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullIfZero(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
