package durable

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/crucible/internal/evalmodel"
)

// PostgresStore implements Store against a single evaluations table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) UpsertEvaluation(ctx context.Context, e *evalmodel.Evaluation) error {
	query := `
		INSERT INTO evaluations (
			id, code, language, priority, timeout_seconds, status, cause,
			created_at, started_at, completed_at,
			stdout, stdout_ref, stderr, stderr_ref, exit_code,
			executor_slot, sandbox_id, retry_count, metadata, deleted
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			cause = EXCLUDED.cause,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			stdout = EXCLUDED.stdout,
			stdout_ref = EXCLUDED.stdout_ref,
			stderr = EXCLUDED.stderr,
			stderr_ref = EXCLUDED.stderr_ref,
			exit_code = EXCLUDED.exit_code,
			executor_slot = EXCLUDED.executor_slot,
			sandbox_id = EXCLUDED.sandbox_id,
			retry_count = EXCLUDED.retry_count,
			deleted = EXCLUDED.deleted
	`
	_, err := s.pool.Exec(ctx, query,
		e.ID, e.Code, e.Language, string(e.Priority), int(e.Timeout.Seconds()), string(e.Status), e.Cause,
		e.CreatedAt, nullableTime(e.StartedAt), nullableTime(e.CompletedAt),
		e.Stdout, e.StdoutRef, e.Stderr, e.StderrRef, e.ExitCode,
		e.ExecutorSlot, e.SandboxID, e.RetryCount, e.Metadata, e.Deleted,
	)
	return err
}

func (s *PostgresStore) GetEvaluation(ctx context.Context, id string) (*evalmodel.Evaluation, error) {
	query := `
		SELECT id, code, language, priority, timeout_seconds, status, cause,
			created_at, started_at, completed_at,
			stdout, stdout_ref, stderr, stderr_ref, exit_code,
			executor_slot, sandbox_id, retry_count, metadata, deleted
		FROM evaluations WHERE id = $1
	`
	var (
		e              evalmodel.Evaluation
		priority       string
		status         string
		timeoutSeconds int
		startedAt      *time.Time
		completedAt    *time.Time
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&e.ID, &e.Code, &e.Language, &priority, &timeoutSeconds, &status, &e.Cause,
		&e.CreatedAt, &startedAt, &completedAt,
		&e.Stdout, &e.StdoutRef, &e.Stderr, &e.StderrRef, &e.ExitCode,
		&e.ExecutorSlot, &e.SandboxID, &e.RetryCount, &e.Metadata, &e.Deleted,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Priority = evalmodel.Priority(priority)
	e.Status = evalmodel.Status(status)
	e.Timeout = time.Duration(timeoutSeconds) * time.Second
	if startedAt != nil {
		e.StartedAt = *startedAt
	}
	if completedAt != nil {
		e.CompletedAt = *completedAt
	}
	return &e, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
