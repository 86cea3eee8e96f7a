// Package postgres journals forwarded leads in a PostgreSQL table so they
// survive webhook outages and can be reconciled with the CRM.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	fwd := lead.NewForwarder(url, lead.WithSinks(store))
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/asiri/internal/lead"
)

var _ lead.Sink = (*Store)(nil)

const ddlLeads = `
CREATE TABLE IF NOT EXISTS leads (
    id          BIGSERIAL    PRIMARY KEY,
    phone       TEXT         NOT NULL,
    name        TEXT         NOT NULL DEFAULT '',
    interest    TEXT         NOT NULL DEFAULT '',
    budget      TEXT         NOT NULL DEFAULT '',
    source      TEXT         NOT NULL,
    detected_at TIMESTAMPTZ  NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leads_phone ON leads (phone);
CREATE INDEX IF NOT EXISTS idx_leads_detected_at ON leads (detected_at);
`

// Migrate creates the leads table. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlLeads); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Store is a [lead.Sink] backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Save inserts p. A malformed timestamp falls back to the current time.
func (s *Store) Save(ctx context.Context, p lead.Payload) error {
	at, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		at = time.Now().UTC()
	}
	const q = `
INSERT INTO leads (phone, name, interest, budget, source, detected_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.pool.Exec(ctx, q, p.Phone, p.Name, p.Interest, p.Budget, p.Source, at); err != nil {
		return fmt.Errorf("postgres store: insert lead: %w", err)
	}
	return nil
}

// Recent returns up to limit leads, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]lead.Payload, error) {
	const q = `
SELECT phone, name, interest, budget, source, detected_at
FROM leads
ORDER BY detected_at DESC, id DESC
LIMIT $1`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query leads: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (lead.Payload, error) {
		var (
			p  lead.Payload
			at time.Time
		)
		if err := row.Scan(&p.Phone, &p.Name, &p.Interest, &p.Budget, &p.Source, &at); err != nil {
			return lead.Payload{}, err
		}
		p.Timestamp = at.UTC().Format("2006-01-02T15:04:05.000Z07:00")
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan leads: %w", err)
	}
	return out, nil
}

// Ping verifies the database is reachable. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
