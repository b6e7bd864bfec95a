// Package memory implements the queue store in process memory. It keeps
// the same claim and transition semantics as the postgres store behind a
// mutex, which makes it the backend for tests and for DB-less local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailroom/internal/queue"
)

type Store struct {
	mu   sync.Mutex
	jobs map[string]*queue.EmailJob
}

func New() *Store {
	return &Store{jobs: make(map[string]*queue.EmailJob)}
}

func (s *Store) Close() error { return nil }

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Enqueue(_ context.Context, job *queue.EmailJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	stored := clone(job)
	stored.Status = queue.StatusPending
	stored.Attempts = 0
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.jobs[stored.ID] = stored
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*queue.EmailJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return clone(job), nil
}

func (s *Store) List(_ context.Context, filter queue.ListFilter) ([]*queue.EmailJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*queue.EmailJob
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Recipient != "" && !strings.EqualFold(job.RecipientEmail, filter.Recipient) {
			continue
		}
		jobs = append(jobs, clone(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[filter.Offset:]
	}
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *Store) ClaimBatch(_ context.Context, workerID string, limit int) ([]*queue.EmailJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var due []*queue.EmailJob
	for _, job := range s.jobs {
		if job.Status == queue.StatusPending && !job.ScheduledAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if limit < len(due) {
		due = due[:limit]
	}

	claimed := make([]*queue.EmailJob, 0, len(due))
	for _, job := range due {
		lease := now
		job.Status = queue.StatusProcessing
		job.ProcessingStartedAt = &lease
		job.ClaimedBy = workerID
		job.UpdatedAt = now
		claimed = append(claimed, clone(job))
	}
	return claimed, nil
}

func (s *Store) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != queue.StatusProcessing {
		return queue.ErrLeaseLost
	}
	now := time.Now().UTC()
	job.Status = queue.StatusSent
	job.SentAt = &now
	job.ErrorMessage = ""
	job.ProcessingStartedAt = nil
	job.UpdatedAt = now
	return nil
}

func (s *Store) RescheduleRetry(_ context.Context, id, errMsg string, nextAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != queue.StatusProcessing {
		return queue.ErrLeaseLost
	}
	job.Status = queue.StatusPending
	job.Attempts++
	job.ErrorMessage = errMsg
	job.ScheduledAt = nextAt.UTC()
	job.ProcessingStartedAt = nil
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != queue.StatusProcessing {
		return queue.ErrLeaseLost
	}
	job.Status = queue.StatusFailed
	job.Attempts++
	job.ErrorMessage = errMsg
	job.ProcessingStartedAt = nil
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) Reap(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	reaped := 0
	for _, job := range s.jobs {
		if job.Status != queue.StatusProcessing || job.ProcessingStartedAt == nil {
			continue
		}
		if job.ProcessingStartedAt.Before(cutoff) {
			job.Status = queue.StatusPending
			job.ProcessingStartedAt = nil
			job.UpdatedAt = time.Now().UTC()
			reaped++
		}
	}
	return reaped, nil
}

func (s *Store) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return queue.ErrNotFound
	}
	switch job.Status {
	case queue.StatusCancelled:
		return nil
	case queue.StatusPending, queue.StatusFailed:
		job.Status = queue.StatusCancelled
		job.UpdatedAt = time.Now().UTC()
		return nil
	default:
		return fmt.Errorf("%w: %s -> cancelled", queue.ErrInvalidTransition, job.Status)
	}
}

func (s *Store) Retry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return queue.ErrNotFound
	}
	switch job.Status {
	case queue.StatusFailed, queue.StatusCancelled:
		now := time.Now().UTC()
		job.Status = queue.StatusPending
		job.Attempts = 0
		job.ErrorMessage = ""
		job.ScheduledAt = now
		job.UpdatedAt = now
		return nil
	case queue.StatusPending:
		return nil
	default:
		return fmt.Errorf("%w: %s -> pending", queue.ErrInvalidTransition, job.Status)
	}
}

func (s *Store) CancelMany(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		if job.Status == queue.StatusPending || job.Status == queue.StatusFailed {
			job.Status = queue.StatusCancelled
			job.UpdatedAt = time.Now().UTC()
			changed++
		}
	}
	return changed, nil
}

func (s *Store) RetryMany(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		if job.Status == queue.StatusFailed || job.Status == queue.StatusCancelled {
			now := time.Now().UTC()
			job.Status = queue.StatusPending
			job.Attempts = 0
			job.ErrorMessage = ""
			job.ScheduledAt = now
			job.UpdatedAt = now
			changed++
		}
	}
	return changed, nil
}

func (s *Store) Forward(_ context.Context, id, recipientEmail, recipientName string) (*queue.EmailJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orig, ok := s.jobs[id]
	if !ok {
		return nil, queue.ErrNotFound
	}

	now := time.Now().UTC()
	fwd := clone(orig)
	fwd.ID = uuid.NewString()
	fwd.RecipientEmail = recipientEmail
	fwd.RecipientName = recipientName
	fwd.Status = queue.StatusPending
	fwd.Attempts = 0
	fwd.ErrorMessage = ""
	fwd.ScheduledAt = now
	fwd.ProcessingStartedAt = nil
	fwd.ClaimedBy = ""
	fwd.SentAt = nil
	fwd.ForwardedFrom = orig.ID
	fwd.CreatedAt = now
	fwd.UpdatedAt = now
	s.jobs[fwd.ID] = fwd
	return clone(fwd), nil
}

func (s *Store) Stats(context.Context) (*queue.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st queue.Stats
	for _, job := range s.jobs {
		st.TotalCount++
		switch job.Status {
		case queue.StatusPending:
			st.PendingCount++
		case queue.StatusProcessing:
			st.ProcessingCount++
		case queue.StatusSent:
			st.SentCount++
		case queue.StatusFailed:
			st.FailedCount++
		case queue.StatusCancelled:
			st.CancelledCount++
		}
		if job.SentAt != nil && (st.LastSentAt == nil || job.SentAt.After(*st.LastSentAt)) {
			t := *job.SentAt
			st.LastSentAt = &t
		}
		if job.ProcessingStartedAt != nil && (st.LastProcessingAt == nil || job.ProcessingStartedAt.After(*st.LastProcessingAt)) {
			t := *job.ProcessingStartedAt
			st.LastProcessingAt = &t
		}
	}
	return &st, nil
}

func clone(job *queue.EmailJob) *queue.EmailJob {
	c := *job
	if job.TemplateData != nil {
		c.TemplateData = make(map[string]string, len(job.TemplateData))
		for k, v := range job.TemplateData {
			c.TemplateData[k] = v
		}
	}
	if job.Attachments != nil {
		c.Attachments = append([]queue.Attachment(nil), job.Attachments...)
	}
	if job.ProcessingStartedAt != nil {
		t := *job.ProcessingStartedAt
		c.ProcessingStartedAt = &t
	}
	if job.SentAt != nil {
		t := *job.SentAt
		c.SentAt = &t
	}
	return &c
}
