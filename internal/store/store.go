// Package store persists the pipeline's durable state in PostgreSQL.
// Uniqueness constraints are the idempotency guards: duplicate ledger units,
// duplicate payees and duplicate claim rows all surface as
// sentinel.ErrConflict for callers to treat as "already done".
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"attestor/pkg/platform/sentinel"
)

//go:embed schema.sql
var schema string

// Postgres implements every store interface the services declare.
type Postgres struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(url string) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing connection pool (used by tests).
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// ApplySchema creates all tables. Production deployments run migrations out
// of band; tests call this directly.
func (s *Postgres) ApplySchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Health checks database connectivity.
func (s *Postgres) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// asSentinel maps driver-level facts to sentinel errors.
func asSentinel(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return sentinel.ErrNotFound
	case isUniqueViolation(err):
		return sentinel.ErrConflict
	default:
		return err
	}
}
