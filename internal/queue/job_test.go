package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobDefaults(t *testing.T) {
	job, err := NewJob(Spec{
		RecipientEmail: "x@example.com",
		Subject:        "Hi",
		HTMLBody:       "<p>Hi</p>",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, DefaultPriority, job.Priority)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	assert.Equal(t, 0, job.Attempts)
	assert.False(t, job.ScheduledAt.After(time.Now()))
}

func TestNewJobTemplateOnlyGetsPlaceholderSubject(t *testing.T) {
	job, err := NewJob(Spec{
		RecipientEmail: "x@example.com",
		TemplateKey:    "welcome",
		TemplateData:   map[string]string{"name": "Pat"},
	})
	require.NoError(t, err)
	assert.Equal(t, PlaceholderSubject, job.Subject)
}

func TestNewJobValidation(t *testing.T) {
	priority := 1
	zero := 0

	tests := []struct {
		name  string
		spec  Spec
		field string
	}{
		{
			name:  "missing recipient",
			spec:  Spec{Subject: "Hi", HTMLBody: "<p></p>"},
			field: "recipient_email",
		},
		{
			name:  "malformed recipient",
			spec:  Spec{RecipientEmail: "not-an-address", Subject: "Hi", HTMLBody: "<p></p>"},
			field: "recipient_email",
		},
		{
			name:  "no content and no template",
			spec:  Spec{RecipientEmail: "x@example.com"},
			field: "subject",
		},
		{
			name: "attachment without filename",
			spec: Spec{
				RecipientEmail: "x@example.com",
				Subject:        "Hi",
				HTMLBody:       "<p></p>",
				Attachments:    []Attachment{{URL: "https://files.example.com/a.pdf"}},
			},
			field: "attachments",
		},
		{
			name: "empty template data key",
			spec: Spec{
				RecipientEmail: "x@example.com",
				TemplateKey:    "welcome",
				TemplateData:   map[string]string{" ": "v"},
			},
			field: "template_data",
		},
		{
			name: "zero max attempts",
			spec: Spec{
				RecipientEmail: "x@example.com",
				Subject:        "Hi",
				HTMLBody:       "<p></p>",
				Priority:       &priority,
				MaxAttempts:    &zero,
			},
			field: "max_attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJob(tt.spec)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidateAddressTrims(t *testing.T) {
	addr, err := ValidateAddress("  x@example.com ")
	require.NoError(t, err)
	assert.Equal(t, "x@example.com", addr)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusSent.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}
