package queue

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every valid job status, in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusCancelled}

// Terminal reports whether no automatic transition leaves the status.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Attachment references a file fetched by URL at send time.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// EmailJob is one row in the outbound queue: a single message delivery
// lineage from enqueue to a terminal state.
type EmailJob struct {
	ID             string            `json:"id"`
	RecipientEmail string            `json:"recipient_email"`
	RecipientName  string            `json:"recipient_name,omitempty"`
	Subject        string            `json:"subject"`
	HTMLBody       string            `json:"html_body,omitempty"`
	TextBody       string            `json:"text_body,omitempty"`
	TemplateKey    string            `json:"template_key,omitempty"`
	TemplateData   map[string]string `json:"template_data,omitempty"`
	Attachments    []Attachment      `json:"attachments,omitempty"`

	Status       Status `json:"status"`
	Priority     int    `json:"priority"`
	Attempts     int    `json:"attempts"`
	MaxAttempts  int    `json:"max_attempts"`
	ErrorMessage string `json:"error_message,omitempty"`

	ScheduledAt         time.Time  `json:"scheduled_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	ClaimedBy           string     `json:"claimed_by,omitempty"`
	SentAt              *time.Time `json:"sent_at,omitempty"`
	ForwardedFrom       string     `json:"forwarded_from,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultPriority is used when the caller does not specify one.
// Lower values are serviced first.
const DefaultPriority = 5

// DefaultMaxAttempts bounds automatic retries for jobs that do not
// override it.
const DefaultMaxAttempts = 3

// PlaceholderSubject is stored for template-only jobs until the renderer
// resolves the real subject at send time.
const PlaceholderSubject = "(pending template render)"

// Spec is the enqueue input. Either Subject+HTMLBody or TemplateKey must
// be present; everything else is optional.
type Spec struct {
	RecipientEmail string            `json:"recipient_email"`
	RecipientName  string            `json:"recipient_name"`
	Subject        string            `json:"subject"`
	HTMLBody       string            `json:"html_body"`
	TextBody       string            `json:"text_body"`
	TemplateKey    string            `json:"template_key"`
	TemplateData   map[string]string `json:"template_data"`
	Attachments    []Attachment      `json:"attachments"`
	Priority       *int              `json:"priority"`
	MaxAttempts    *int              `json:"max_attempts"`
	ScheduledAt    *time.Time        `json:"scheduled_at"`
	CreatedBy      string            `json:"created_by"`
}

// ValidateAddress checks recipient syntax and returns the trimmed form.
func ValidateAddress(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return "", &ValidationError{Field: "recipient_email", Reason: "required"}
	}
	if _, err := mail.ParseAddress(addr); err != nil {
		return "", &ValidationError{Field: "recipient_email", Reason: "invalid address"}
	}
	return addr, nil
}

// NewJob validates a spec and builds a pending job ready for Enqueue.
// No network I/O happens here; delivery is the worker's business.
func NewJob(spec Spec) (*EmailJob, error) {
	addr, err := ValidateAddress(spec.RecipientEmail)
	if err != nil {
		return nil, err
	}

	subject := spec.Subject
	if spec.TemplateKey == "" {
		if subject == "" || spec.HTMLBody == "" {
			return nil, &ValidationError{Field: "subject", Reason: "subject and html_body are required without template_key"}
		}
	} else if subject == "" {
		subject = PlaceholderSubject
	}

	for key := range spec.TemplateData {
		if strings.TrimSpace(key) == "" {
			return nil, &ValidationError{Field: "template_data", Reason: "empty placeholder key"}
		}
	}
	for i, att := range spec.Attachments {
		if att.URL == "" || att.Filename == "" {
			return nil, &ValidationError{Field: "attachments", Reason: fmt.Sprintf("entry %d needs both url and filename", i)}
		}
	}

	priority := DefaultPriority
	if spec.Priority != nil {
		priority = *spec.Priority
	}
	maxAttempts := DefaultMaxAttempts
	if spec.MaxAttempts != nil {
		maxAttempts = *spec.MaxAttempts
	}
	if maxAttempts < 1 {
		return nil, &ValidationError{Field: "max_attempts", Reason: "must be at least 1"}
	}

	now := time.Now().UTC()
	scheduledAt := now
	if spec.ScheduledAt != nil {
		scheduledAt = spec.ScheduledAt.UTC()
	}

	return &EmailJob{
		ID:             uuid.NewString(),
		RecipientEmail: addr,
		RecipientName:  strings.TrimSpace(spec.RecipientName),
		Subject:        subject,
		HTMLBody:       spec.HTMLBody,
		TextBody:       spec.TextBody,
		TemplateKey:    spec.TemplateKey,
		TemplateData:   spec.TemplateData,
		Attachments:    spec.Attachments,
		Status:         StatusPending,
		Priority:       priority,
		MaxAttempts:    maxAttempts,
		ScheduledAt:    scheduledAt,
		CreatedBy:      spec.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}
