// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and login audit queries.
// The pool is created once at startup and shared across handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable login audit log.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and pings it before returning.
// Call once at startup; the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RecordLoginEvent inserts one audit row. ID is generated (UUID v7) when zero.
func (s *PostgresStore) RecordLoginEvent(ctx context.Context, e LoginEvent) error {
	if e.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generating event id: %w", err)
		}
		e.ID = id
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO login_events (id, provider, scope, phase, category, detail, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Provider, e.Scope, e.Phase, e.Category, e.Detail, e.IPAddress, e.UserAgent)
	if err != nil {
		return fmt.Errorf("inserting login event: %w", err)
	}
	return nil
}

// ListLoginEventsByScope returns every event for a flow scope, oldest first.
func (s *PostgresStore) ListLoginEventsByScope(ctx context.Context, scope string) ([]LoginEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, provider, scope, phase, category, detail, ip_address, user_agent, created_at
		FROM login_events WHERE scope = $1 ORDER BY created_at, id`, scope)
	if err != nil {
		return nil, fmt.Errorf("querying login events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (LoginEvent, error) {
		var e LoginEvent
		err := row.Scan(&e.ID, &e.Provider, &e.Scope, &e.Phase, &e.Category, &e.Detail, &e.IPAddress, &e.UserAgent, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning login events: %w", err)
	}
	return events, nil
}

// CleanupLoginEvents deletes events older than retention. Returns rows deleted.
func (s *PostgresStore) CleanupLoginEvents(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM login_events WHERE created_at < $1",
		time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("deleting old login events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// NopAuditLog stands in for PostgresStore when DATABASE_URL is unset.
type NopAuditLog struct{}

func (NopAuditLog) RecordLoginEvent(context.Context, LoginEvent) error { return nil }

func (NopAuditLog) CheckHealth(context.Context) error { return ErrAuditDisabled }
