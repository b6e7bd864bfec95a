package mailer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/gomail.v2"
)

// Dialer opens SMTP connections. *gomail.Dialer satisfies it.
type Dialer interface {
	Dial() (gomail.SendCloser, error)
}

// Pool keeps a fixed number of SMTP connections per worker process.
// Connections are rotated after maxMessages sends or after sitting idle
// longer than idleTimeout; a send failure discards the connection.
type Pool struct {
	dialer      Dialer
	slots       chan *conn
	size        int
	maxMessages int
	idleTimeout time.Duration
}

// conn wraps a live connection with its usage bookkeeping. A nil *conn
// in a slot means the slot has no live connection and must dial.
type conn struct {
	sc       gomail.SendCloser
	sent     int
	lastUsed time.Time
}

func NewPool(dialer Dialer, size, maxMessages int, idleTimeout time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		dialer:      dialer,
		slots:       make(chan *conn, size),
		size:        size,
		maxMessages: maxMessages,
		idleTimeout: idleTimeout,
	}
	for i := 0; i < size; i++ {
		p.slots <- nil
	}
	return p
}

// Send transmits one message on a pooled connection. The caller bounds
// the whole operation through ctx; gomail has no context support, so a
// send that outlives ctx is abandoned along with its connection.
func (p *Pool) Send(ctx context.Context, m *gomail.Message) error {
	c, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- gomail.Send(c.sc, m) }()

	select {
	case err := <-done:
		p.release(c, err != nil)
		return err
	case <-ctx.Done():
		go func() {
			<-done
			c.sc.Close()
		}()
		p.slots <- nil
		return ctx.Err()
	}
}

func (p *Pool) acquire(ctx context.Context) (*conn, error) {
	select {
	case c := <-p.slots:
		if c != nil && c.sent < p.maxMessages && time.Since(c.lastUsed) < p.idleTimeout {
			return c, nil
		}
		if c != nil {
			c.sc.Close()
		}
		sc, err := p.dial(ctx)
		if err != nil {
			p.slots <- nil
			return nil, err
		}
		return &conn{sc: sc, lastUsed: time.Now()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) release(c *conn, broken bool) {
	if broken {
		c.sc.Close()
		p.slots <- nil
		return
	}
	c.sent++
	c.lastUsed = time.Now()
	p.slots <- c
}

// dial opens a connection, retrying transient dial failures with
// exponential backoff until ctx is cancelled or the budget runs out.
func (p *Pool) dial(ctx context.Context) (gomail.SendCloser, error) {
	var sc gomail.SendCloser
	operation := func() error {
		var err error
		sc, err = p.dialer.Dial()
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 15 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return sc, nil
}

// Close shuts down every idle connection. Call only after in-flight
// sends have drained.
func (p *Pool) Close() {
	for i := 0; i < p.size; i++ {
		select {
		case c := <-p.slots:
			if c != nil {
				c.sc.Close()
			}
		default:
			return
		}
	}
}
