package mailer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"mailroom/internal/queue"
)

type fakeConn struct {
	mu       sync.Mutex
	sends    int
	closed   bool
	delay    time.Duration
	err      error
	lastTo   []string
	lastBody string
}

func (f *fakeConn) Send(from string, to []string, msg io.WriterTo) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	f.lastTo = to
	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return err
	}
	f.lastBody = buf.String()
	return f.err
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	conns []*fakeConn
	next  func() *fakeConn
}

func (f *fakeDialer) Dial() (gomail.SendCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	c := &fakeConn{}
	if f.next != nil {
		c = f.next()
	}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeDialer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func testMessage() *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", "noreply@example.com")
	m.SetHeader("To", "x@example.com")
	m.SetHeader("Subject", "Hi")
	m.SetBody("text/html", "<p>Hi</p>")
	return m
}

func TestPoolReusesConnection(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(d, 1, 10, time.Minute)
	defer p.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Send(context.Background(), testMessage()))
	}
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, 3, d.conns[0].sends)
}

func TestPoolRotatesAfterMaxMessages(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(d, 1, 2, time.Minute)
	defer p.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Send(context.Background(), testMessage()))
	}
	require.Equal(t, 2, d.dialCount())
	assert.True(t, d.conns[0].isClosed())
	assert.False(t, d.conns[1].isClosed())
}

func TestPoolDiscardsBrokenConnection(t *testing.T) {
	d := &fakeDialer{}
	first := true
	d.next = func() *fakeConn {
		if first {
			first = false
			return &fakeConn{err: errors.New("connection reset")}
		}
		return &fakeConn{}
	}
	p := NewPool(d, 1, 10, time.Minute)
	defer p.Close()

	err := p.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.True(t, d.conns[0].isClosed())

	require.NoError(t, p.Send(context.Background(), testMessage()))
	assert.Equal(t, 2, d.dialCount())
}

func TestPoolSendDeadline(t *testing.T) {
	d := &fakeDialer{}
	d.next = func() *fakeConn { return &fakeConn{delay: 300 * time.Millisecond} }
	p := NewPool(d, 1, 10, time.Minute)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := p.Send(ctx, testMessage())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned connection is closed once the hung send returns.
	assert.Eventually(t, d.conns[0].isClosed, time.Second, 10*time.Millisecond)
}

func TestMailerBuildsMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4 certificate"))
	}))
	defer srv.Close()

	d := &fakeDialer{}
	m := &Mailer{
		pool:        NewPool(d, 1, 10, time.Minute),
		from:        "noreply@example.com",
		sendTimeout: time.Second,
		fetch:       srv.Client(),
	}
	defer m.Close()

	job := &queue.EmailJob{
		ID:             "job-1",
		RecipientEmail: "pat@example.com",
		RecipientName:  "Pat",
		Attachments: []queue.Attachment{
			{URL: srv.URL + "/cert.pdf", Filename: "certificate.pdf"},
		},
	}

	err := m.Send(context.Background(), job, "Your certificate", "<p>Attached</p>", "Attached")
	require.NoError(t, err)

	conn := d.conns[0]
	assert.Equal(t, []string{"pat@example.com"}, conn.lastTo)
	assert.Contains(t, conn.lastBody, "Subject: Your certificate")
	assert.Contains(t, conn.lastBody, "Attached")
	assert.Contains(t, conn.lastBody, "certificate.pdf")
	assert.Contains(t, conn.lastBody, "text/plain")
	assert.Contains(t, conn.lastBody, "text/html")
}

func TestMailerAttachmentFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := &fakeDialer{}
	m := &Mailer{
		pool:        NewPool(d, 1, 10, time.Minute),
		from:        "noreply@example.com",
		sendTimeout: time.Second,
		fetch:       srv.Client(),
	}
	defer m.Close()

	job := &queue.EmailJob{
		RecipientEmail: "pat@example.com",
		Attachments:    []queue.Attachment{{URL: srv.URL + "/gone.pdf", Filename: "gone.pdf"}},
	}

	err := m.Send(context.Background(), job, "Hi", "<p>Hi</p>", "")
	require.Error(t, err)
	assert.Zero(t, d.dialCount(), "no connection should be used when the message cannot be built")
}
