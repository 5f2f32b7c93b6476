// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package outcomestore records job outcomes and the failed sink in
// SQLite, for queue backends whose broker only moves messages.
//
// The worker consults outcomes to decide whether a dependency has
// succeeded, so every worker of a deployment must share one database.
// In practice that means running the amqp backend's workers on the
// host that owns the database file.
package outcomestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/propagator/lib/job"
	"github.com/bureau-foundation/propagator/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS outcomes (
	job_id     TEXT PRIMARY KEY,
	state      INTEGER NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS failures (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id    TEXT NOT NULL,
	record    BLOB NOT NULL,
	failed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS failures_job_id ON failures (job_id);
`

// Store is a SQLite-backed outcome table and failed sink.
type Store struct {
	pool *sqlitepool.Pool
}

// Open opens or creates the database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Schema: schema,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("outcomestore: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Record stores the outcome of a job, replacing any earlier one.
func (s *Store) Record(ctx context.Context, id string, outcome job.Outcome, at time.Time) error {
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return recordOutcome(conn, id, outcome, at)
	})
	if err != nil {
		return fmt.Errorf("outcomestore: recording %s: %w", id, err)
	}
	return nil
}

func recordOutcome(conn *sqlite.Conn, id string, outcome job.Outcome, at time.Time) error {
	return sqlitex.Execute(conn, `
		INSERT INTO outcomes (job_id, state, detail, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			state = excluded.state, detail = excluded.detail, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{id, int(outcome.State), outcome.Detail, at.UnixMilli()}})
}

// AddFailure appends a record to the failed sink and marks the job
// failed, in one transaction.
func (s *Store) AddFailure(ctx context.Context, record job.FailureRecord) error {
	encoded, err := job.EncodeFailure(record)
	if err != nil {
		return err
	}
	err = s.pool.With(ctx, func(conn *sqlite.Conn) error {
		outcome := job.Outcome{State: job.StateFailed, Detail: record.Error}
		if err := recordOutcome(conn, record.Job.ID, outcome, record.FailedAt); err != nil {
			return err
		}
		return sqlitex.Execute(conn,
			`INSERT INTO failures (job_id, record, failed_at) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{record.Job.ID, encoded, record.FailedAt.UnixMilli()}})
	})
	if err != nil {
		return fmt.Errorf("outcomestore: recording failure of %s: %w", record.Job.ID, err)
	}
	return nil
}

// Outcome returns the recorded outcome of id, or pending when none is
// recorded.
func (s *Store) Outcome(ctx context.Context, id string) (job.Outcome, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return job.Outcome{}, fmt.Errorf("outcomestore: %w", err)
	}
	defer s.pool.Put(conn)

	outcome := job.Outcome{State: job.StatePending}
	err = sqlitex.Execute(conn, `SELECT state, detail FROM outcomes WHERE job_id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			outcome.State = job.State(stmt.ColumnInt(0))
			outcome.Detail = stmt.ColumnText(1)
			return nil
		},
	})
	if err != nil {
		return job.Outcome{}, fmt.Errorf("outcomestore: reading outcome of %s: %w", id, err)
	}
	return outcome, nil
}

// Failures returns the failed sink, oldest first.
func (s *Store) Failures(ctx context.Context) ([]job.FailureRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("outcomestore: %w", err)
	}
	defer s.pool.Put(conn)

	var records []job.FailureRecord
	err = sqlitex.Execute(conn, `SELECT record FROM failures ORDER BY seq`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			data := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, data)
			record, err := job.DecodeFailure(data)
			if err != nil {
				return err
			}
			records = append(records, record)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("outcomestore: listing failures: %w", err)
	}
	return records, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}
