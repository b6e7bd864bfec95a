// Package postgres implements the durable queue store on PostgreSQL.
// Claiming uses FOR UPDATE SKIP LOCKED inside a single UPDATE so that
// concurrent workers never receive the same job.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailroom/internal/queue"
)

const jobColumns = `
	id, recipient_email, recipient_name, subject, html_body, text_body,
	template_key, template_data, attachments, status, priority,
	attempts, max_attempts, error_message, scheduled_at,
	processing_started_at, claimed_by, sent_at, forwarded_from,
	created_by, created_at, updated_at`

type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and verifies the connection.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Enqueue(ctx context.Context, job *queue.EmailJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	dataJSON, err := json.Marshal(orEmptyMap(job.TemplateData))
	if err != nil {
		return fmt.Errorf("postgres: marshal template data: %w", err)
	}
	attJSON, err := json.Marshal(orEmptySlice(job.Attachments))
	if err != nil {
		return fmt.Errorf("postgres: marshal attachments: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO email_jobs (
			id, recipient_email, recipient_name, subject, html_body,
			text_body, template_key, template_data, attachments,
			status, priority, attempts, max_attempts, scheduled_at,
			forwarded_from, created_by, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,0,$12,$13,$14,$15,NOW(),NOW())`,
		job.ID, job.RecipientEmail, job.RecipientName, job.Subject,
		job.HTMLBody, job.TextBody, job.TemplateKey, dataJSON, attJSON,
		string(queue.StatusPending), job.Priority, job.MaxAttempts,
		job.ScheduledAt, job.ForwardedFrom, job.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("postgres: enqueue: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*queue.EmailJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM email_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get: %w", err)
	}
	return job, nil
}

func (s *Store) List(ctx context.Context, filter queue.ListFilter) ([]*queue.EmailJob, error) {
	query := `SELECT ` + jobColumns + ` FROM email_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Recipient != "" {
		query += fmt.Sprintf(" AND recipient_email = $%d", argIdx)
		args = append(args, filter.Recipient)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ClaimBatch is the one correctness-critical query: select-and-mark must
// be atomic against concurrent claimants, so the pending rows are locked
// with SKIP LOCKED and flipped to processing in the same statement.
func (s *Store) ClaimBatch(ctx context.Context, workerID string, limit int) ([]*queue.EmailJob, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE email_jobs
			SET status = 'processing',
			    processing_started_at = NOW(),
			    claimed_by = $1,
			    updated_at = NOW()
			WHERE id IN (
				SELECT id FROM email_jobs
				WHERE status = 'pending'
				  AND scheduled_at <= NOW()
				ORDER BY priority ASC, created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed ORDER BY priority ASC, created_at ASC`,
		workerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim batch: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func (s *Store) MarkSent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_jobs
		SET status = 'sent',
		    sent_at = NOW(),
		    error_message = '',
		    processing_started_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

func (s *Store) RescheduleRetry(ctx context.Context, id, errMsg string, nextAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_jobs
		SET status = 'pending',
		    attempts = attempts + 1,
		    error_message = $2,
		    scheduled_at = $3,
		    processing_started_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		id, errMsg, nextAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: reschedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_jobs
		SET status = 'failed',
		    attempts = attempts + 1,
		    error_message = $2,
		    processing_started_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		id, errMsg,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

// Reap resets abandoned processing rows to pending. The in-flight
// attempt was never confirmed, so attempts is left alone.
func (s *Store) Reap(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_jobs
		SET status = 'pending',
		    processing_started_at = NULL,
		    updated_at = NOW()
		WHERE status = 'processing'
		  AND processing_started_at < NOW() - make_interval(secs => $1)`,
		olderThan.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: reap: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Cancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_jobs
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'failed')`,
		id,
	)
	if err != nil {
		return fmt.Errorf("postgres: cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, queue.StatusCancelled)
	}
	return nil
}

func (s *Store) Retry(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_jobs
		SET status = 'pending',
		    attempts = 0,
		    error_message = '',
		    scheduled_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('failed', 'cancelled')`,
		id,
	)
	if err != nil {
		return fmt.Errorf("postgres: retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, queue.StatusPending)
	}
	return nil
}

// transitionError distinguishes "no such job" from "wrong state" after a
// guarded update matched nothing. Re-cancelling a cancelled job is the
// documented no-op.
func (s *Store) transitionError(ctx context.Context, id string, target queue.Status) error {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM email_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: check status: %w", err)
	}
	if queue.Status(status) == target {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", queue.ErrInvalidTransition, status, target)
}

func (s *Store) CancelMany(ctx context.Context, ids []string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_jobs
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = ANY($1) AND status IN ('pending', 'failed')`,
		ids,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: cancel many: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) RetryMany(ctx context.Context, ids []string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_jobs
		SET status = 'pending',
		    attempts = 0,
		    error_message = '',
		    scheduled_at = NOW(),
		    updated_at = NOW()
		WHERE id = ANY($1) AND status IN ('failed', 'cancelled')`,
		ids,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: retry many: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Forward clones the job for a new recipient. History stays on the
// original row; the clone records its origin in forwarded_from.
func (s *Store) Forward(ctx context.Context, id, recipientEmail, recipientName string) (*queue.EmailJob, error) {
	newID := uuid.NewString()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO email_jobs (
			id, recipient_email, recipient_name, subject, html_body,
			text_body, template_key, template_data, attachments,
			status, priority, attempts, max_attempts, scheduled_at,
			forwarded_from, created_by, created_at, updated_at
		)
		SELECT $2, $3, $4, subject, html_body, text_body, template_key,
		       template_data, attachments, 'pending', priority, 0,
		       max_attempts, NOW(), id, created_by, NOW(), NOW()
		FROM email_jobs WHERE id = $1`,
		id, newID, recipientEmail, recipientName,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: forward: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, queue.ErrNotFound
	}
	return s.Get(ctx, newID)
}

func (s *Store) Stats(ctx context.Context) (*queue.Stats, error) {
	var st queue.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*),
			MAX(sent_at),
			MAX(processing_started_at)
		FROM email_jobs`,
	).Scan(
		&st.PendingCount, &st.ProcessingCount, &st.SentCount,
		&st.FailedCount, &st.CancelledCount, &st.TotalCount,
		&st.LastSentAt, &st.LastProcessingAt,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: stats: %w", err)
	}
	return &st, nil
}

func collectJobs(rows pgx.Rows) ([]*queue.EmailJob, error) {
	var jobs []*queue.EmailJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (*queue.EmailJob, error) {
	var (
		job      queue.EmailJob
		status   string
		dataJSON []byte
		attJSON  []byte
	)
	err := row.Scan(
		&job.ID, &job.RecipientEmail, &job.RecipientName, &job.Subject,
		&job.HTMLBody, &job.TextBody, &job.TemplateKey, &dataJSON,
		&attJSON, &status, &job.Priority, &job.Attempts,
		&job.MaxAttempts, &job.ErrorMessage, &job.ScheduledAt,
		&job.ProcessingStartedAt, &job.ClaimedBy, &job.SentAt,
		&job.ForwardedFrom, &job.CreatedBy, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = queue.Status(status)
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &job.TemplateData); err != nil {
			return nil, fmt.Errorf("unmarshal template data: %w", err)
		}
	}
	if len(attJSON) > 0 {
		if err := json.Unmarshal(attJSON, &job.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	return &job, nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(a []queue.Attachment) []queue.Attachment {
	if a == nil {
		return []queue.Attachment{}
	}
	return a
}
