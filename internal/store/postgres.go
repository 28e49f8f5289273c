package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPostNotFound means no scheduled post row backs the reported job.
var ErrPostNotFound = errors.New("scheduled post not found")

// Store is the outcome finalizer: it persists the authoritative business
// result of a dispatch independently of queue bookkeeping.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping performs one representative read for health probing.
func (s *Store) Ping(ctx context.Context) error {
	var n int64
	return s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM scheduled_posts WHERE status = 'scheduled'`).Scan(&n)
}

// CompletePostParams carries a worker's completion report.
type CompletePostParams struct {
	PostID         string
	JobID          string
	WorkerID       string
	Region         string
	PlatformPostID string
	PlatformURL    string
	Analytics      map[string]any
	ExecutionMS    int64
}

// CompleteResult reports the outcome of a completion write.
type CompleteResult struct {
	PostID          string
	AlreadyResolved bool
}

// CompletePost marks the post published and records the execution metric.
// A post that is already posted short-circuits idempotently so a duplicate
// callback never produces a second business write.
func (s *Store) CompletePost(ctx context.Context, p CompletePostParams) (CompleteResult, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM scheduled_posts WHERE id = $1`, p.PostID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return CompleteResult{}, ErrPostNotFound
	}
	if err != nil {
		return CompleteResult{}, fmt.Errorf("query post: %w", err)
	}
	if status == "posted" {
		return CompleteResult{PostID: p.PostID, AlreadyResolved: true}, nil
	}

	analytics := map[string]any{
		"posted_by":          p.WorkerID,
		"posted_at":          time.Now().UTC().Format(time.RFC3339),
		"execution_ms":       p.ExecutionMS,
		"region":             p.Region,
		"platform_analytics": p.Analytics,
		"job_id":             p.JobID,
	}
	analyticsJSON, err := json.Marshal(analytics)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("marshal analytics: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE scheduled_posts
		SET status = 'posted', published_at = NOW(), platform_post_id = $2,
		    platform_url = $3, analytics = $4, error_message = NULL, updated_at = NOW()
		WHERE id = $1
	`, p.PostID, p.PlatformPostID, p.PlatformURL, analyticsJSON)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("update post: %w", err)
	}

	if err := s.logExecution(ctx, executionRow{
		JobID: p.JobID, PostID: p.PostID, WorkerID: p.WorkerID,
		Region: p.Region, Success: true, ExecutionMS: p.ExecutionMS,
	}); err != nil {
		return CompleteResult{}, err
	}
	return CompleteResult{PostID: p.PostID}, nil
}

// FailPostParams carries a worker's failure report.
type FailPostParams struct {
	PostID       string
	JobID        string
	WorkerID     string
	Region       string
	ErrorMessage string
	ErrorCode    string
	ShouldRetry  bool
	Attempts     int
	MaxRetries   int
	ExecutionMS  int64
}

// FailPost records a failure and decides whether the job will retry: retries
// keep the post scheduled with retry bookkeeping, exhausted or non-retryable
// failures mark it permanently failed.
func (s *Store) FailPost(ctx context.Context, p FailPostParams) (bool, error) {
	willRetry := p.ShouldRetry && p.Attempts < p.MaxRetries

	var query string
	if willRetry {
		query = `
			UPDATE scheduled_posts
			SET status = 'scheduled', error_message = $2, retry_count = $3,
			    last_retry_at = NOW(), updated_at = NOW()
			WHERE id = $1`
	} else {
		query = `
			UPDATE scheduled_posts
			SET status = 'failed', error_message = $2, retry_count = $3,
			    last_retry_at = NOW(), updated_at = NOW()
			WHERE id = $1`
	}
	tag, err := s.pool.Exec(ctx, query, p.PostID, p.ErrorMessage, p.Attempts+1)
	if err != nil {
		return false, fmt.Errorf("update post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrPostNotFound
	}

	if err := s.logExecution(ctx, executionRow{
		JobID: p.JobID, PostID: p.PostID, WorkerID: p.WorkerID,
		Region: p.Region, Success: false, ExecutionMS: p.ExecutionMS,
		ErrorCode: p.ErrorCode, ErrorMessage: p.ErrorMessage, WillRetry: willRetry,
	}); err != nil {
		return willRetry, err
	}
	return willRetry, nil
}

// ProgressParams carries an in-flight status update.
type ProgressParams struct {
	PostID   string
	WorkerID string
	Status   string
	Message  string
	Percent  int
}

// RecordProgress reflects a worker's in-flight status on the post row.
// Terminal rows are left untouched.
func (s *Store) RecordProgress(ctx context.Context, p ProgressParams) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts
		SET status = 'posting', updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('posted', 'failed')
	`, p.PostID)
	return err
}

type executionRow struct {
	JobID        string
	PostID       string
	WorkerID     string
	Region       string
	Success      bool
	ExecutionMS  int64
	ErrorCode    string
	ErrorMessage string
	WillRetry    bool
}

func (s *Store) logExecution(ctx context.Context, row executionRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO execution_metrics (job_id, post_id, worker_id, region, success, execution_ms, error_code, error_message, will_retry)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, row.JobID, row.PostID, row.WorkerID, row.Region, row.Success, row.ExecutionMS,
		emptyToNil(row.ErrorCode), emptyToNil(row.ErrorMessage), row.WillRetry)
	if err != nil {
		return fmt.Errorf("insert execution metric: %w", err)
	}
	return nil
}

// StatsFilter scopes execution statistics.
type StatsFilter struct {
	Since    time.Time
	Until    time.Time
	WorkerID string
	Region   string
}

// ExecutionStats is a windowed aggregate of worker execution outcomes.
type ExecutionStats struct {
	TotalJobs      int64            `json:"total_jobs"`
	SuccessfulJobs int64            `json:"successful_jobs"`
	FailedJobs     int64            `json:"failed_jobs"`
	RetryingJobs   int64            `json:"retrying_jobs"`
	AvgExecutionMS float64          `json:"avg_execution_ms"`
	SuccessRate    float64          `json:"success_rate"`
	ErrorBreakdown map[string]int64 `json:"error_breakdown"`
}

// GetExecutionStats aggregates metrics rows for the filter window.
func (s *Store) GetExecutionStats(ctx context.Context, f StatsFilter) (ExecutionStats, error) {
	where := `WHERE ($1::timestamptz IS NULL OR recorded_at >= $1)
	  AND ($2::timestamptz IS NULL OR recorded_at <= $2)
	  AND ($3 = '' OR worker_id = $3)
	  AND ($4 = '' OR region = $4)`

	var since, until pgtype.Timestamptz
	if !f.Since.IsZero() {
		since = pgtype.Timestamptz{Time: f.Since, Valid: true}
	}
	if !f.Until.IsZero() {
		until = pgtype.Timestamptz{Time: f.Until, Valid: true}
	}

	stats := ExecutionStats{ErrorBreakdown: map[string]int64{}}
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE success),
		       COUNT(*) FILTER (WHERE NOT success AND NOT will_retry),
		       COUNT(*) FILTER (WHERE NOT success AND will_retry),
		       COALESCE(AVG(execution_ms), 0)
		FROM execution_metrics `+where,
		since, until, f.WorkerID, f.Region,
	).Scan(&stats.TotalJobs, &stats.SuccessfulJobs, &stats.FailedJobs, &stats.RetryingJobs, &stats.AvgExecutionMS)
	if err != nil {
		return ExecutionStats{}, fmt.Errorf("aggregate metrics: %w", err)
	}
	if stats.TotalJobs > 0 {
		stats.SuccessRate = float64(stats.SuccessfulJobs) / float64(stats.TotalJobs)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT COALESCE(error_code, 'unknown'), COUNT(*)
		FROM execution_metrics `+where+` AND NOT success
		GROUP BY 1`,
		since, until, f.WorkerID, f.Region,
	)
	if err != nil {
		return ExecutionStats{}, fmt.Errorf("error breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code string
		var n int64
		if err := rows.Scan(&code, &n); err != nil {
			return ExecutionStats{}, fmt.Errorf("scan breakdown: %w", err)
		}
		stats.ErrorBreakdown[code] = n
	}
	return stats, rows.Err()
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
