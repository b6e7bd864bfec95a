// Package retry decides whether a failed send is rescheduled or
// terminally failed, and how long a rescheduled job waits before it is
// eligible again.
package retry

import (
	"errors"
	"math"
	"math/rand"
	"net/textproto"
	"time"
)

// Policy computes backoff delays. Delays grow exponentially with the
// attempt count and are capped at MaxDelay, so a failing recipient never
// hot-loops but also never waits unboundedly.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

// DefaultPolicy matches the common 1m/30m doubling schedule.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  time.Minute,
		MaxDelay:   30 * time.Minute,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay returns the wait before the job becomes eligible again after
// failed attempt number attempt (1-indexed). Non-decreasing in attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	delay := time.Duration(d)

	if p.Jitter {
		// Up to 10% extra, never less, so monotonicity holds.
		delay += time.Duration(rand.Int63n(int64(delay)/10 + 1))
	}
	return delay
}

// PermanentError marks a failure that more attempts cannot fix, such as
// an unparseable recipient. It still consumes the current attempt.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is a hard failure: either explicitly
// marked, or an SMTP 5xx rejection. Everything else (timeouts, refused
// connections, 4xx greylisting) is treated as transient.
func IsPermanent(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 500 && tpErr.Code < 600
	}
	return false
}
