// Package postgres provides a PostgreSQL-backed reload history store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/fruitsalade/autoreload/internal/diff"
	"github.com/fruitsalade/autoreload/internal/history"
	"github.com/fruitsalade/autoreload/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS reload_history (
	id          UUID PRIMARY KEY,
	instance    TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL,
	load        TEXT[] NOT NULL DEFAULT '{}',
	reload      TEXT[] NOT NULL DEFAULT '{}',
	unload      TEXT[] NOT NULL DEFAULT '{}',
	differences JSONB NOT NULL DEFAULT '[]',
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS reload_history_started_at_idx ON reload_history (started_at DESC);
`

// Store is a PostgreSQL history store.
type Store struct {
	db *sql.DB
}

// New opens the database and verifies the connection.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the history table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	logging.Info("running reload history migration")
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate reload_history: %w", err)
	}
	return nil
}

func (s *Store) Add(ctx context.Context, r history.Record) error {
	diffs, err := json.Marshal(r.Differences)
	if err != nil {
		return fmt.Errorf("marshal differences: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reload_history
		 (id, instance, started_at, duration_ms, load, reload, unload, differences, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.Instance, r.StartedAt, r.Duration.Milliseconds(),
		pq.Array(nonNil(r.Load)), pq.Array(nonNil(r.Reload)), pq.Array(nonNil(r.Unload)),
		diffs, r.Error)
	if err != nil {
		return fmt.Errorf("insert history %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]history.Record, error) {
	if limit <= 0 {
		limit = history.DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance, started_at, duration_ms, load, reload, unload, differences, error
		 FROM reload_history ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []history.Record
	for rows.Next() {
		var (
			r          history.Record
			durationMs int64
			diffs      []byte
		)
		if err := rows.Scan(&r.ID, &r.Instance, &r.StartedAt, &durationMs,
			pq.Array(&r.Load), pq.Array(&r.Reload), pq.Array(&r.Unload),
			&diffs, &r.Error); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		var d []diff.Difference
		if err := json.Unmarshal(diffs, &d); err != nil {
			return nil, fmt.Errorf("decode differences of %s: %w", r.ID, err)
		}
		r.Differences = d
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
