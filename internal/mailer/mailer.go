// Package mailer transmits queued jobs over SMTP. Connections come from
// a per-process pool; each send carries a hard deadline.
package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"gopkg.in/gomail.v2"

	"mailroom/internal/queue"
)

// Config is the process-wide SMTP configuration, loaded once at boot.
type Config struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	SkipTLSVerify bool

	PoolSize        int
	PoolMaxMessages int
	PoolIdleTimeout time.Duration
	SendTimeout     time.Duration
}

type Mailer struct {
	pool        *Pool
	from        string
	sendTimeout time.Duration
	fetch       *http.Client
}

func New(cfg Config) *Mailer {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.TLSConfig = &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.SkipTLSVerify,
	}
	return &Mailer{
		pool:        NewPool(d, cfg.PoolSize, cfg.PoolMaxMessages, cfg.PoolIdleTimeout),
		from:        cfg.From,
		sendTimeout: cfg.SendTimeout,
		fetch:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Send builds and transmits one message. Any transport error comes back
// to the caller; the state transition is the worker's decision.
func (m *Mailer) Send(ctx context.Context, job *queue.EmailJob, subject, htmlBody, textBody string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetAddressHeader("To", job.RecipientEmail, job.RecipientName)
	msg.SetHeader("Subject", subject)
	if textBody != "" {
		msg.SetBody("text/plain", textBody)
		msg.AddAlternative("text/html", htmlBody)
	} else {
		msg.SetBody("text/html", htmlBody)
	}

	for _, att := range job.Attachments {
		data, err := m.fetchAttachment(ctx, att.URL)
		if err != nil {
			return fmt.Errorf("fetch attachment %s: %w", att.Filename, err)
		}
		msg.Attach(att.Filename, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		}))
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()
	return m.pool.Send(sendCtx, msg)
}

func (m *Mailer) Close() {
	m.pool.Close()
}

func (m *Mailer) fetchAttachment(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.fetch.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
