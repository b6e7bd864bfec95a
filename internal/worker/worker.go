// Package worker runs the delivery loop: claim a batch of due jobs,
// send them with bounded concurrency, and record each outcome. A reaper
// reclaims abandoned leases and a heartbeat reports liveness whether or
// not any work arrived.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailroom/internal/metrics"
	"mailroom/internal/queue"
	"mailroom/internal/retry"
	"mailroom/internal/template"
)

// Sender transmits one rendered message. Implemented by mailer.Mailer.
type Sender interface {
	Send(ctx context.Context, job *queue.EmailJob, subject, htmlBody, textBody string) error
}

type Config struct {
	PollInterval      time.Duration
	BatchLimit        int
	MaxConcurrent     int
	LeaseTimeout      time.Duration
	ReapInterval      time.Duration
	HeartbeatInterval time.Duration
}

type Worker struct {
	id       string
	store    queue.Store
	sender   Sender
	renderer template.Renderer
	policy   retry.Policy
	limiter  *rate.Limiter
	log      *zap.Logger
	cfg      Config
}

func New(
	store queue.Store,
	sender Sender,
	renderer template.Renderer,
	policy retry.Policy,
	limiter *rate.Limiter,
	log *zap.Logger,
	cfg Config,
) *Worker {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "mailroom"
	}
	id := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	return &Worker{
		id:       id,
		store:    store,
		sender:   sender,
		renderer: renderer,
		policy:   policy,
		limiter:  limiter,
		log:      log.With(zap.String("worker_id", id)),
		cfg:      cfg,
	}
}

// ID returns the identity stamped on claimed rows.
func (w *Worker) ID() string { return w.id }

// Run blocks until ctx is cancelled, driving the poll, reap, and
// heartbeat timers. Store errors abort the current cycle, never the
// loop: the next tick retries.
func (w *Worker) Run(ctx context.Context) {
	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	reap := time.NewTicker(w.cfg.ReapInterval)
	defer reap.Stop()
	heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	w.log.Info("worker started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("batch_limit", w.cfg.BatchLimit),
		zap.Int("max_concurrent", w.cfg.MaxConcurrent),
	)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker shutting down")
			return
		case <-poll.C:
			w.RunBatch(ctx)
		case <-reap.C:
			w.reapAbandoned(ctx)
		case <-heartbeat.C:
			w.emitHeartbeat(ctx)
		}
	}
}

// RunBatch claims up to BatchLimit due jobs and processes them with at
// most MaxConcurrent in flight. It returns once every claimed job has
// reached an outcome.
func (w *Worker) RunBatch(ctx context.Context) {
	jobs, err := w.store.ClaimBatch(ctx, w.id, w.cfg.BatchLimit)
	if err != nil {
		w.log.Error("claim batch failed, pipeline stalled until next poll", zap.Error(err))
		return
	}
	if len(jobs) == 0 {
		return
	}

	metrics.JobsClaimed.Add(float64(len(jobs)))
	w.log.Info("batch started", zap.Int("claimed", len(jobs)))

	var sent, failed, rescheduled atomic.Int64
	sem := make(chan struct{}, w.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(job *queue.EmailJob) {
			defer wg.Done()
			defer func() { <-sem }()

			switch w.processJob(ctx, job) {
			case queue.StatusSent:
				sent.Add(1)
			case queue.StatusFailed:
				failed.Add(1)
			default:
				rescheduled.Add(1)
			}
		}(job)
	}
	wg.Wait()

	w.log.Info("batch finished",
		zap.Int("claimed", len(jobs)),
		zap.Int64("sent", sent.Load()),
		zap.Int64("failed", failed.Load()),
		zap.Int64("rescheduled", rescheduled.Load()),
	)
}

// processJob renders, sends, and records the outcome for one claimed
// job. Every failure becomes a state transition; nothing propagates out
// to abort batch siblings.
func (w *Worker) processJob(ctx context.Context, job *queue.EmailJob) (outcome queue.Status) {
	var sendErr error
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic during job processing",
				zap.String("job_id", job.ID), zap.Any("panic", r))
			outcome = w.recordFailure(ctx, job, fmt.Errorf("panic: %v", r))
		}
	}()

	subject, htmlBody, textBody := job.Subject, job.HTMLBody, job.TextBody
	if job.TemplateKey != "" {
		rendered, err := w.renderer.Render(job.TemplateKey, job.TemplateData)
		if err != nil {
			return w.recordFailure(ctx, job, err)
		}
		htmlBody = rendered.HTML
		if rendered.Text != "" {
			textBody = rendered.Text
		}
		if rendered.Subject != "" && (subject == "" || subject == queue.PlaceholderSubject) {
			subject = rendered.Subject
		}
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return w.recordFailure(ctx, job, err)
	}

	timer := prometheus.NewTimer(metrics.SendDuration)
	sendErr = w.sender.Send(ctx, job, subject, htmlBody, textBody)
	timer.ObserveDuration()

	if sendErr != nil {
		return w.recordFailure(ctx, job, sendErr)
	}

	if err := w.store.MarkSent(ctx, job.ID); err != nil {
		w.log.Warn("sent but could not record outcome",
			zap.String("job_id", job.ID), zap.Error(err))
		return queue.StatusSent
	}
	metrics.EmailsSent.Inc()
	w.log.Info("email sent",
		zap.String("job_id", job.ID),
		zap.String("recipient", job.RecipientEmail),
		zap.Int("attempt", job.Attempts+1),
	)
	return queue.StatusSent
}

// recordFailure applies the retry policy: permanent errors and exhausted
// budgets are terminal, everything else is rescheduled with backoff.
func (w *Worker) recordFailure(ctx context.Context, job *queue.EmailJob, sendErr error) queue.Status {
	attempt := job.Attempts + 1
	permanent := retry.IsPermanent(sendErr)

	if permanent || attempt >= job.MaxAttempts {
		class := "transient"
		if permanent {
			class = "permanent"
		}
		metrics.EmailFailures.WithLabelValues(class).Inc()
		if err := w.store.MarkFailed(ctx, job.ID, sendErr.Error()); err != nil {
			w.log.Warn("failed but could not record outcome",
				zap.String("job_id", job.ID), zap.Error(err))
			return queue.StatusFailed
		}
		w.log.Error("email failed terminally",
			zap.String("job_id", job.ID),
			zap.String("recipient", job.RecipientEmail),
			zap.Int("attempts", attempt),
			zap.Bool("permanent", permanent),
			zap.Error(sendErr),
		)
		return queue.StatusFailed
	}

	delay := w.policy.Delay(attempt)
	metrics.EmailFailures.WithLabelValues("transient").Inc()
	if err := w.store.RescheduleRetry(ctx, job.ID, sendErr.Error(), time.Now().Add(delay)); err != nil {
		w.log.Warn("failed but could not reschedule",
			zap.String("job_id", job.ID), zap.Error(err))
		return queue.StatusPending
	}
	w.log.Warn("send failed, rescheduled",
		zap.String("job_id", job.ID),
		zap.String("recipient", job.RecipientEmail),
		zap.Int("attempt", attempt),
		zap.Duration("retry_in", delay),
		zap.Error(sendErr),
	)
	return queue.StatusPending
}

// reapAbandoned resets jobs whose lease outlived the crash-recovery
// threshold. Their in-flight attempt was never confirmed, so it costs
// no budget.
func (w *Worker) reapAbandoned(ctx context.Context) {
	n, err := w.store.Reap(ctx, w.cfg.LeaseTimeout)
	if err != nil {
		w.log.Error("reap failed, pipeline stalled until next sweep", zap.Error(err))
		return
	}
	if n > 0 {
		metrics.JobsReaped.Add(float64(n))
		w.log.Warn("reclaimed abandoned jobs", zap.Int("count", n))
	}
}

// emitHeartbeat signals liveness on a fixed cadence so monitoring can
// tell an idle worker from a dead one.
func (w *Worker) emitHeartbeat(ctx context.Context) {
	metrics.Heartbeat.SetToCurrentTime()

	stats, err := w.store.Stats(ctx)
	if err != nil {
		w.log.Error("stats snapshot failed", zap.Error(err))
		w.log.Info("worker heartbeat")
		return
	}
	metrics.ObserveStats(stats)
	w.log.Info("worker heartbeat",
		zap.Int64("pending", stats.PendingCount),
		zap.Int64("processing", stats.ProcessingCount),
		zap.Int64("sent", stats.SentCount),
		zap.Int64("failed", stats.FailedCount),
	)
}
