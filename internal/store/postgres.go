// Package store persists execution history in Postgres.
//
// Persistence is a best-effort collaborator: callers on the execution
// path log and swallow store errors, so a database outage never breaks a
// running execution.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/pulsar/internal/domain"
)

// ErrNotFound is returned when no record matches the request id.
var ErrNotFound = errors.New("store: record not found")

// Store is the job history repository.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_history (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL UNIQUE,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			status TEXT NOT NULL,
			code TEXT,
			stdout TEXT,
			stderr TEXT,
			exit_code INTEGER,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			resource_usage JSONB NOT NULL DEFAULT '{}',
			classification TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_job_history_request_id ON job_history(request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_job_history_created_at ON job_history(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_job_history_status ON job_history(status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Insert stores a new history record. The request id must be unique.
func (s *Store) Insert(ctx context.Context, rec *domain.HistoryRecord) error {
	usage, err := marshalUsage(rec.ResourceUsage)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = now
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO job_history
			(request_id, timestamp, status, code, stdout, stderr, exit_code,
			 duration_ms, resource_usage, classification, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
		 RETURNING id`,
		rec.RequestID, ts, rec.Status, rec.Code, rec.Stdout, rec.Stderr,
		rec.ExitCode, rec.DurationMs, usage, rec.Classification, now)
	if err := row.Scan(&rec.ID); err != nil {
		return fmt.Errorf("insert job history %s: %w", rec.RequestID, err)
	}
	rec.Timestamp = ts
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

// UpdateByRequestID overwrites the mutable fields of an existing record.
func (s *Store) UpdateByRequestID(ctx context.Context, rec *domain.HistoryRecord) error {
	usage, err := marshalUsage(rec.ResourceUsage)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_history SET
			status = $2, stdout = $3, stderr = $4, exit_code = $5,
			duration_ms = $6, resource_usage = $7, classification = $8,
			updated_at = NOW()
		 WHERE request_id = $1`,
		rec.RequestID, rec.Status, rec.Stdout, rec.Stderr, rec.ExitCode,
		rec.DurationMs, usage, rec.Classification)
	if err != nil {
		return fmt.Errorf("update job history %s: %w", rec.RequestID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByRequestID fetches a single record.
func (s *Store) GetByRequestID(ctx context.Context, requestID string) (*domain.HistoryRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, request_id, timestamp, status, code, stdout, stderr,
			exit_code, duration_ms, resource_usage, classification,
			created_at, updated_at
		 FROM job_history WHERE request_id = $1`, requestID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job history %s: %w", requestID, err)
	}
	return rec, nil
}

// ListOptions controls pagination and ordering of history queries.
type ListOptions struct {
	Limit          int
	Offset         int
	StatusFilter   string
	OrderBy        string
	OrderDirection string
}

// orderColumns is the allowlist of sortable columns; anything else falls
// back to created_at so callers cannot inject SQL through order_by.
var orderColumns = map[string]string{
	"timestamp":   "timestamp",
	"created_at":  "created_at",
	"updated_at":  "updated_at",
	"duration_ms": "duration_ms",
	"status":      "status",
}

// orderClause resolves ListOptions into a safe ORDER BY fragment.
func orderClause(opts ListOptions) string {
	col, ok := orderColumns[opts.OrderBy]
	if !ok {
		col = "created_at"
	}
	dir := "DESC"
	if opts.OrderDirection == "asc" || opts.OrderDirection == "ASC" {
		dir = "ASC"
	}
	return col + " " + dir
}

// List returns a page of history records and the total count.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*domain.HistoryRecord, int, error) {
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 50
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	where := ""
	args := []any{}
	if opts.StatusFilter != "" {
		where = "WHERE status = $1"
		args = append(args, opts.StatusFilter)
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM job_history %s", where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count job history: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT id, request_id, timestamp, status, code, stdout, stderr,
			exit_code, duration_ms, resource_usage, classification,
			created_at, updated_at
		 FROM job_history %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		where, orderClause(opts), len(args)+1, len(args)+2)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list job history: %w", err)
	}
	defer rows.Close()

	var records []*domain.HistoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job history: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list job history: %w", err)
	}
	return records, total, nil
}

// PurgeOlderThan removes records past the retention window and reports
// how many were deleted.
func (s *Store) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM job_history WHERE created_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(retention.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("purge job history: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.HistoryRecord, error) {
	var (
		rec   domain.HistoryRecord
		usage []byte
	)
	if err := row.Scan(&rec.ID, &rec.RequestID, &rec.Timestamp, &rec.Status,
		&rec.Code, &rec.Stdout, &rec.Stderr, &rec.ExitCode, &rec.DurationMs,
		&usage, &rec.Classification, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if len(usage) > 0 {
		if err := json.Unmarshal(usage, &rec.ResourceUsage); err != nil {
			return nil, fmt.Errorf("decode resource usage: %w", err)
		}
	}
	return &rec, nil
}

func marshalUsage(usage map[string]any) ([]byte, error) {
	if usage == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(usage)
	if err != nil {
		return nil, fmt.Errorf("encode resource usage: %w", err)
	}
	return data, nil
}
