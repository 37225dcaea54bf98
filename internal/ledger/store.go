// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ledger provides a Postgres-backed record of ingestion runs.
//
// Each run of the pipeline over one source object gets a row carrying its
// status, counters, and the reader progress at the last periodic flush. A
// later run over the same object can resume from that checkpoint.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Run statuses.
const (
	StatusStarted  = "started"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Run is one pipeline pass over a source object.
type Run struct {
	ID                 string
	Bucket             string
	Key                string
	Status             string
	Checkpoint         int
	Records            int
	Skipped            int
	AttachmentFailures int
	Error              string
	StartedAt          time.Time
	FinishedAt         *time.Time
	UpdatedAt          time.Time
}

// Counts are the totals written when a run completes.
type Counts struct {
	Records            int
	Skipped            int
	AttachmentFailures int
}

// Store provides run bookkeeping in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool for url and verifies it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// NewStore creates a run ledger backed by the given Postgres pool.
// It ensures the ingest_runs table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	slog.Info("run ledger initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ingest_runs (
			id                  TEXT PRIMARY KEY,
			bucket              TEXT NOT NULL,
			object_key          TEXT NOT NULL,
			status              TEXT NOT NULL DEFAULT 'started',
			checkpoint          INTEGER NOT NULL DEFAULT 0,
			record_count        INTEGER NOT NULL DEFAULT 0,
			skipped             INTEGER NOT NULL DEFAULT 0,
			attachment_failures INTEGER NOT NULL DEFAULT 0,
			error               TEXT NOT NULL DEFAULT '',
			started_at          TIMESTAMPTZ DEFAULT NOW(),
			finished_at         TIMESTAMPTZ,
			updated_at          TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_runs_object ON ingest_runs(bucket, object_key, started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON ingest_runs(status);
	`)
	return err
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Start records a new run in the started state.
func (s *Store) Start(ctx context.Context, id, bucket, key string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_runs (id, bucket, object_key, status)
		VALUES ($1, $2, $3, $4)
	`, id, bucket, key, StatusStarted)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", id, err)
	}
	return nil
}

// Checkpoint stores the reader progress covered by a successful flush.
func (s *Store) Checkpoint(ctx context.Context, id string, progress int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingest_runs
		SET checkpoint = $1, updated_at = NOW()
		WHERE id = $2
	`, progress, id)
	if err != nil {
		return fmt.Errorf("checkpoint run %s: %w", id, err)
	}
	return nil
}

// Complete marks a run complete with its final counters.
func (s *Store) Complete(ctx context.Context, id string, c Counts) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingest_runs
		SET status = $1, record_count = $2, skipped = $3, attachment_failures = $4,
		    finished_at = NOW(), updated_at = NOW()
		WHERE id = $5
	`, StatusComplete, c.Records, c.Skipped, c.AttachmentFailures, id)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", id, err)
	}
	return nil
}

// Fail marks a run failed. The checkpoint is kept for a resumed run.
func (s *Store) Fail(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE ingest_runs
		SET status = $1, error = $2, finished_at = NOW(), updated_at = NOW()
		WHERE id = $3
	`, StatusFailed, msg, id)
	if err != nil {
		return fmt.Errorf("fail run %s: %w", id, err)
	}
	return nil
}

// ResumePoint returns the checkpoint of the latest run over the object, or
// 0 when there is none or it completed.
func (s *Store) ResumePoint(ctx context.Context, bucket, key string) (int, error) {
	r, err := s.Latest(ctx, bucket, key)
	if err != nil || r == nil || r.Status == StatusComplete {
		return 0, err
	}
	return r.Checkpoint, nil
}

// Latest returns the most recent run over the object, or nil.
func (s *Store) Latest(ctx context.Context, bucket, key string) (*Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM ingest_runs
		WHERE bucket = $1 AND object_key = $2
		ORDER BY started_at DESC
		LIMIT 1
	`, bucket, key)
	r, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("query latest run for %s/%s: %w", bucket, key, err)
	}
	return r, nil
}

// ListRecent returns up to limit runs, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM ingest_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

const runColumns = `id, bucket, object_key, status, checkpoint, record_count, skipped,
		       attachment_failures, error, started_at, finished_at, updated_at`

// scanRun scans a single row into a Run. No row yields (nil, nil).
func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(
		&r.ID, &r.Bucket, &r.Key, &r.Status, &r.Checkpoint, &r.Records, &r.Skipped,
		&r.AttachmentFailures, &r.Error, &r.StartedAt, &r.FinishedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// collectRuns scans multiple rows into a slice of Runs.
func collectRuns(rows pgx.Rows) ([]Run, error) {
	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(
			&r.ID, &r.Bucket, &r.Key, &r.Status, &r.Checkpoint, &r.Records, &r.Skipped,
			&r.AttachmentFailures, &r.Error, &r.StartedAt, &r.FinishedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
