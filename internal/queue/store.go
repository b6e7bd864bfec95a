package queue

import (
	"context"
	"time"
)

// ListFilter narrows and pages List results.
type ListFilter struct {
	Status    Status
	Recipient string
	Limit     int
	Offset    int
}

// Stats is a point-in-time aggregate over the queue, derived from a
// single query so the counts always sum to TotalCount.
type Stats struct {
	PendingCount     int64      `json:"pending_count"`
	ProcessingCount  int64      `json:"processing_count"`
	SentCount        int64      `json:"sent_count"`
	FailedCount      int64      `json:"failed_count"`
	CancelledCount   int64      `json:"cancelled_count"`
	TotalCount       int64      `json:"total_count"`
	LastSentAt       *time.Time `json:"last_sent_at,omitempty"`
	LastProcessingAt *time.Time `json:"last_processing_at,omitempty"`
}

// Store is the durable queue. The backing table is the single source of
// truth for job state; workers coordinate only through it.
type Store interface {
	// Enqueue durably persists a pending job. The job must come from
	// NewJob; no send happens here.
	Enqueue(ctx context.Context, job *EmailJob) error

	Get(ctx context.Context, id string) (*EmailJob, error)
	List(ctx context.Context, filter ListFilter) ([]*EmailJob, error)

	// ClaimBatch atomically moves up to limit due pending jobs to
	// processing, stamping the lease and owner, and returns them.
	// Two concurrent claimants never receive the same job. Selection
	// is priority ascending, then created_at ascending.
	ClaimBatch(ctx context.Context, workerID string, limit int) ([]*EmailJob, error)

	// MarkSent records a successful delivery: processing -> sent,
	// sent_at stamped, error cleared. Returns ErrLeaseLost if the job
	// is no longer processing.
	MarkSent(ctx context.Context, id string) error

	// RescheduleRetry records a failed attempt with budget remaining:
	// processing -> pending, attempts incremented, eligible again at
	// nextAt. Returns ErrLeaseLost if the job is no longer processing.
	RescheduleRetry(ctx context.Context, id, errMsg string, nextAt time.Time) error

	// MarkFailed records a terminally failed attempt: processing ->
	// failed, attempts incremented. Returns ErrLeaseLost if the job is
	// no longer processing.
	MarkFailed(ctx context.Context, id, errMsg string) error

	// Reap resets processing jobs whose lease is older than olderThan
	// back to pending without touching attempts, and reports how many
	// were reclaimed. Safe to run concurrently with itself and with
	// ClaimBatch.
	Reap(ctx context.Context, olderThan time.Duration) (int, error)

	// Cancel moves a pending or failed job to cancelled. Cancelling an
	// already cancelled job is a no-op; cancelling a processing or
	// sent job returns ErrInvalidTransition.
	Cancel(ctx context.Context, id string) error

	// Retry is the operator action: failed or cancelled -> pending with
	// a fresh attempt budget and cleared error, eligible immediately.
	Retry(ctx context.Context, id string) error

	// CancelMany and RetryMany apply the single-job rules to each id,
	// skipping ineligible rows, and report how many changed.
	CancelMany(ctx context.Context, ids []string) (int, error)
	RetryMany(ctx context.Context, ids []string) (int, error)

	// Forward clones a job to a new recipient as a new pending row
	// referencing the original. The original row, including sent_at,
	// is left untouched.
	Forward(ctx context.Context, id, recipientEmail, recipientName string) (*EmailJob, error)

	Stats(ctx context.Context) (*Stats, error)
	Ping(ctx context.Context) error
	Close() error
}
