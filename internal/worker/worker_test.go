package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailroom/internal/metrics"
	"mailroom/internal/queue"
	"mailroom/internal/queue/memory"
	"mailroom/internal/retry"
	"mailroom/internal/template"
)

func init() {
	metrics.Init()
}

type fakeSender struct {
	mu    sync.Mutex
	sends []sentMail
	fail  func(job *queue.EmailJob) error
}

type sentMail struct {
	jobID   string
	to      string
	subject string
	html    string
	text    string
}

func (f *fakeSender) Send(_ context.Context, job *queue.EmailJob, subject, htmlBody, textBody string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(job); err != nil {
			return err
		}
	}
	f.sends = append(f.sends, sentMail{
		jobID:   job.ID,
		to:      job.RecipientEmail,
		subject: subject,
		html:    htmlBody,
		text:    textBody,
	})
	return nil
}

func (f *fakeSender) sent() []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMail(nil), f.sends...)
}

type staticRenderer struct {
	out template.Rendered
	err error
}

func (r staticRenderer) Render(string, map[string]string) (template.Rendered, error) {
	return r.out, r.err
}

func newTestWorker(t *testing.T, store queue.Store, sender Sender, renderer template.Renderer) *Worker {
	t.Helper()
	return New(
		store,
		sender,
		renderer,
		retry.Policy{BaseDelay: time.Minute, MaxDelay: time.Hour, Multiplier: 2.0},
		rate.NewLimiter(rate.Inf, 0),
		zap.NewNop(),
		Config{
			PollInterval:      10 * time.Millisecond,
			BatchLimit:        10,
			MaxConcurrent:     3,
			LeaseTimeout:      5 * time.Minute,
			ReapInterval:      time.Minute,
			HeartbeatInterval: time.Minute,
		},
	)
}

func enqueue(t *testing.T, s queue.Store, spec queue.Spec) *queue.EmailJob {
	t.Helper()
	job, err := queue.NewJob(spec)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(context.Background(), job))
	return job
}

func TestBatchSuccess(t *testing.T) {
	store := memory.New()
	sender := &fakeSender{}
	w := newTestWorker(t, store, sender, staticRenderer{})

	job := enqueue(t, store, queue.Spec{
		RecipientEmail: "x@example.com", Subject: "Hi", HTMLBody: "<p>Hi</p>",
	})

	w.RunBatch(context.Background())

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSent, got.Status)
	assert.NotNil(t, got.SentAt)
	assert.Equal(t, 0, got.Attempts)

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hi", sent[0].subject)
}

func TestTransientFailureIsRescheduledWithBackoff(t *testing.T) {
	store := memory.New()
	sender := &fakeSender{
		fail: func(*queue.EmailJob) error { return errors.New("connection refused") },
	}
	w := newTestWorker(t, store, sender, staticRenderer{})

	job := enqueue(t, store, queue.Spec{
		RecipientEmail: "x@example.com", Subject: "Hi", HTMLBody: "<p>Hi</p>",
	})

	before := time.Now()
	w.RunBatch(context.Background())

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.ErrorMessage, "connection refused")
	assert.True(t, got.ScheduledAt.After(before.Add(50*time.Second)),
		"backoff should push eligibility out by about a minute, got %v", got.ScheduledAt.Sub(before))
}

func TestExhaustedBudgetReachesFailed(t *testing.T) {
	store := memory.New()
	sender := &fakeSender{
		fail: func(*queue.EmailJob) error { return errors.New("connection refused") },
	}
	w := newTestWorker(t, store, sender, staticRenderer{})

	one := 1
	job := enqueue(t, store, queue.Spec{
		RecipientEmail: "x@example.com", Subject: "Hi", HTMLBody: "<p>Hi</p>",
		MaxAttempts: &one,
	})

	w.RunBatch(context.Background())

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestPermanentFailureShortCircuits(t *testing.T) {
	store := memory.New()
	sender := &fakeSender{
		fail: func(*queue.EmailJob) error {
			return retry.Permanent(errors.New("no such user"))
		},
	}
	w := newTestWorker(t, store, sender, staticRenderer{})

	job := enqueue(t, store, queue.Spec{
		RecipientEmail: "x@example.com", Subject: "Hi", HTMLBody: "<p>Hi</p>",
	})

	w.RunBatch(context.Background())

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts, "permanent failure skips the remaining budget")
}

func TestOneFailureDoesNotAbortSiblings(t *testing.T) {
	store := memory.New()
	sender := &fakeSender{
		fail: func(job *queue.EmailJob) error {
			if job.RecipientEmail == "bad@example.com" {
				return errors.New("mailbox unavailable")
			}
			return nil
		},
	}
	w := newTestWorker(t, store, sender, staticRenderer{})

	bad := enqueue(t, store, queue.Spec{
		RecipientEmail: "bad@example.com", Subject: "Hi", HTMLBody: "<p></p>",
	})
	var good []*queue.EmailJob
	for _, addr := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		good = append(good, enqueue(t, store, queue.Spec{
			RecipientEmail: addr, Subject: "Hi", HTMLBody: "<p></p>",
		}))
	}

	w.RunBatch(context.Background())

	for _, job := range good {
		got, err := store.Get(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusSent, got.Status)
	}
	got, err := store.Get(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)
}

func TestTemplateRenderedAtSendTime(t *testing.T) {
	store := memory.New()
	sender := &fakeSender{}
	renderer := staticRenderer{out: template.Rendered{
		Subject: "Course reminder",
		HTML:    "<p>See you soon</p>",
		Text:    "See you soon",
	}}
	w := newTestWorker(t, store, sender, renderer)

	enqueue(t, store, queue.Spec{
		RecipientEmail: "x@example.com",
		TemplateKey:    "reminder",
		TemplateData:   map[string]string{"name": "Pat"},
	})

	w.RunBatch(context.Background())

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Course reminder", sent[0].subject)
	assert.Equal(t, "<p>See you soon</p>", sent[0].html)
	assert.Equal(t, "See you soon", sent[0].text)
}

func TestTemplateRenderFailureConsumesAttempt(t *testing.T) {
	store := memory.New()
	sender := &fakeSender{}
	renderer := staticRenderer{err: errors.New("template missing")}
	w := newTestWorker(t, store, sender, renderer)

	job := enqueue(t, store, queue.Spec{
		RecipientEmail: "x@example.com",
		TemplateKey:    "missing",
	})

	w.RunBatch(context.Background())

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, sender.sent())
}

func TestRunLoopProcessesAndStops(t *testing.T) {
	store := memory.New()
	sender := &fakeSender{}
	w := newTestWorker(t, store, sender, staticRenderer{})

	job := enqueue(t, store, queue.Spec{
		RecipientEmail: "x@example.com", Subject: "Hi", HTMLBody: "<p>Hi</p>",
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), job.ID)
		return err == nil && got.Status == queue.StatusSent
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
