package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fetchd/fetchd/models"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	url           TEXT NOT NULL,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL,
	stage         TEXT NOT NULL DEFAULT '',
	progress      REAL NOT NULL DEFAULT 0,
	speed         TEXT NOT NULL DEFAULT '',
	eta           INTEGER NOT NULL DEFAULT 0,
	total_bytes   BIGINT NOT NULL DEFAULT 0,
	filename      TEXT NOT NULL DEFAULT '',
	output_path   TEXT NOT NULL DEFAULT '',
	error_code    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	options       JSONB NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);
CREATE INDEX IF NOT EXISTS jobs_created_at_idx ON jobs (created_at DESC);

CREATE TABLE IF NOT EXISTS metrics (
	date           TEXT PRIMARY KEY,
	jobs_total     BIGINT NOT NULL DEFAULT 0,
	jobs_completed BIGINT NOT NULL DEFAULT 0,
	jobs_failed    BIGINT NOT NULL DEFAULT 0,
	bytes_total    BIGINT NOT NULL DEFAULT 0
);
`

const jobColumns = `id, url, kind, status, stage, progress, speed, eta, total_bytes,
	filename, output_path, error_code, error_message, options, created_at, updated_at`

// PostgresStore persists jobs in a shared database so multiple
// orchestrator nodes can read the same projection.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and ensures the schema exists
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, jobsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Insert(ctx context.Context, job *models.Job) error {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, job.URL, string(job.Kind), string(job.Status), string(job.Stage),
		models.ClampProgress(job.Progress), job.Speed, job.ETASec, job.TotalBytes,
		job.Filename, job.OutputPath, string(job.ErrorCode), job.ErrorMessage,
		opts, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*models.Job, int, error) {
	where, args := buildFilter(f)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + where + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	jobs, _, err := s.List(ctx, Filter{Status: status})
	return jobs, err
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id string, u ProgressUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			progress = GREATEST(progress, LEAST(100, GREATEST(0, $2::real))),
			stage = CASE WHEN $3 = '' THEN stage ELSE $3 END,
			speed = CASE WHEN $4 = '' THEN speed ELSE $4 END,
			eta = CASE WHEN $5 < 0 THEN eta ELSE $5 END,
			total_bytes = CASE WHEN $6 <= 0 THEN total_bytes ELSE $6 END,
			updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id, u.Progress, string(u.Stage), u.Speed, u.ETASec, u.TotalBytes)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Terminal rows swallow late progress; only a missing row is an error
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status models.JobStatus, errCode models.ErrorCode, errMsg string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}
	if models.JobStatus(current) == status {
		return tx.Commit(ctx)
	}
	if !models.CanTransition(models.JobStatus(current), status) {
		return models.ErrIllegalTransition
	}

	switch status {
	case models.StatusQueued:
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, progress = 0, stage = '', speed = '', eta = 0,
				error_code = '', error_message = '', updated_at = now()
			WHERE id = $1`, id, string(status))
	case models.StatusFailed:
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, error_code = $3, error_message = $4, updated_at = now()
			WHERE id = $1`, id, string(status), string(errCode), errMsg)
	default:
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SetCompleted(ctx context.Context, id, filename, outputPath string, size int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'completed', stage = 'completed', progress = 100,
			filename = $2, output_path = $3,
			total_bytes = CASE WHEN $4::bigint > 0 THEN $4 ELSE total_bytes END,
			error_code = '', error_message = '', updated_at = now()
		WHERE id = $1 AND status = 'running'`,
		id, filename, outputPath, size)
	if err != nil {
		return fmt.Errorf("set completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return models.ErrIllegalTransition
	}
	return nil
}

func (s *PostgresStore) BumpMetrics(ctx context.Context, date string, d MetricsDelta) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO metrics (date, jobs_total, jobs_completed, jobs_failed, bytes_total)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (date) DO UPDATE SET
			jobs_total = metrics.jobs_total + EXCLUDED.jobs_total,
			jobs_completed = metrics.jobs_completed + EXCLUDED.jobs_completed,
			jobs_failed = metrics.jobs_failed + EXCLUDED.jobs_failed,
			bytes_total = metrics.bytes_total + EXCLUDED.bytes_total`,
		date, d.JobsTotal, d.JobsCompleted, d.JobsFailed, d.BytesTotal)
	if err != nil {
		return fmt.Errorf("bump metrics: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMetrics(ctx context.Context, date string) (*MetricsRow, error) {
	row := &MetricsRow{Date: date}
	err := s.pool.QueryRow(ctx, `
		SELECT jobs_total, jobs_completed, jobs_failed, bytes_total
		FROM metrics WHERE date = $1`, date).
		Scan(&row.JobsTotal, &row.JobsCompleted, &row.JobsFailed, &row.BytesTotal)
	if errors.Is(err, pgx.ErrNoRows) {
		return row, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get metrics: %w", err)
	}
	return row, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func buildFilter(f Filter) (string, []any) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if f.Status != "" {
		args = append(args, string(f.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		clauses = append(clauses, fmt.Sprintf("kind = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf("(url ILIKE $%d OR filename ILIKE $%d)", n, n))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var kind, status, stage, errCode string
	var opts []byte
	err := row.Scan(&job.ID, &job.URL, &kind, &status, &stage, &job.Progress,
		&job.Speed, &job.ETASec, &job.TotalBytes, &job.Filename, &job.OutputPath,
		&errCode, &job.ErrorMessage, &opts, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Kind = models.JobKind(kind)
	job.Status = models.JobStatus(status)
	job.Stage = models.Stage(stage)
	job.ErrorCode = models.ErrorCode(errCode)
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &job.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	return &job, nil
}
