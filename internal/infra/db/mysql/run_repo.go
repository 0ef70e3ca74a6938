package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bryanwahyu/automaton-vision/internal/domain/pipeline"
)

type RunRepository struct {
	db *sql.DB
}

func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// EnsureSchema creates the ledger table when it is missing.
func (r *RunRepository) EnsureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
  id            CHAR(36)      PRIMARY KEY,
  source_bucket VARCHAR(255)  NOT NULL,
  source_key    VARCHAR(1024) NOT NULL,
  status        VARCHAR(16)   NOT NULL,
  stage         VARCHAR(16)   NOT NULL,
  attempts      INT           NOT NULL DEFAULT 0,
  text_count    INT           NOT NULL DEFAULT 0,
  label_count   INT           NOT NULL DEFAULT 0,
  archive_key   VARCHAR(1024) NOT NULL DEFAULT '',
  duration_ms   BIGINT        NOT NULL DEFAULT 0,
  error         TEXT          NULL,
  started_at    DATETIME(3)   NOT NULL,
  ended_at      DATETIME(3)   NULL,
  INDEX idx_pipeline_runs_started (started_at)
);`
	_, err := r.db.ExecContext(ctx, q)
	return err
}

// Save insert/update one run row. The row is first written when the run
// starts; saving the same id again refreshes the mutable columns.
func (r *RunRepository) Save(ctx context.Context, run *pipeline.Run) error {
	const q = `
INSERT INTO pipeline_runs
(id, source_bucket, source_key, status, stage, attempts,
 text_count, label_count, archive_key, duration_ms, error, started_at, ended_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
 status=VALUES(status), stage=VALUES(stage), attempts=VALUES(attempts),
 text_count=VALUES(text_count), label_count=VALUES(label_count),
 archive_key=VALUES(archive_key), duration_ms=VALUES(duration_ms),
 error=VALUES(error), ended_at=VALUES(ended_at);`

	started := run.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := r.db.ExecContext(ctx, q,
		run.ID, run.SourceBucket, run.SourceKey, run.Status, run.Stage, run.Attempts,
		run.TextCount, run.LabelCount, run.ArchiveKey, run.DurationMS,
		nullString(run.Error), started, nullTime(run.EndedAt),
	)
	return err
}

// Finish records the terminal state of a run.
func (r *RunRepository) Finish(ctx context.Context, run *pipeline.Run) error {
	const q = `
UPDATE pipeline_runs
SET status = ?, stage = ?, attempts = ?, text_count = ?, label_count = ?,
    archive_key = ?, duration_ms = ?, error = ?, ended_at = ?
WHERE id = ?;`
	_, err := r.db.ExecContext(ctx, q,
		run.Status, run.Stage, run.Attempts, run.TextCount, run.LabelCount,
		run.ArchiveKey, run.DurationMS, nullString(run.Error), nullTime(run.EndedAt), run.ID,
	)
	return err
}

// Get by run id.
func (r *RunRepository) Get(ctx context.Context, id pipeline.RunID) (*pipeline.Run, error) {
	const q = `
SELECT id, source_bucket, source_key, status, stage, attempts,
       text_count, label_count, archive_key, duration_ms, error, started_at, ended_at
FROM pipeline_runs
WHERE id = ? LIMIT 1;`
	run, err := scanRun(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, pipeline.ErrNotFound)
	}
	return run, err
}

// Latest runs, newest first.
func (r *RunRepository) Latest(ctx context.Context, limit int) ([]*pipeline.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, source_bucket, source_key, status, stage, attempts,
       text_count, label_count, archive_key, duration_ms, error, started_at, ended_at
FROM pipeline_runs
ORDER BY started_at DESC LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*pipeline.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Summary aggregates runs started in the last N days.
func (r *RunRepository) Summary(ctx context.Context, sinceDays int) (pipeline.Summary, error) {
	if sinceDays <= 0 {
		sinceDays = 7
	}
	cut := time.Now().AddDate(0, 0, -sinceDays)

	const q = `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
       COALESCE(AVG(CASE WHEN status = 'completed' THEN duration_ms END), 0)
FROM pipeline_runs
WHERE started_at >= ?;`

	var s pipeline.Summary
	if err := r.db.QueryRowContext(ctx, q, cut).Scan(&s.Total, &s.Completed, &s.Failed, &s.AvgDurationMS); err != nil {
		return pipeline.Summary{}, err
	}
	return s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*pipeline.Run, error) {
	var run pipeline.Run
	var errMsg sql.NullString
	var ended sql.NullTime
	if err := row.Scan(
		&run.ID, &run.SourceBucket, &run.SourceKey, &run.Status, &run.Stage, &run.Attempts,
		&run.TextCount, &run.LabelCount, &run.ArchiveKey, &run.DurationMS, &errMsg,
		&run.StartedAt, &ended,
	); err != nil {
		return nil, err
	}
	run.Error = errMsg.String
	if ended.Valid {
		run.EndedAt = ended.Time
	}
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
