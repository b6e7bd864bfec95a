package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no job exists with the given id.
	ErrNotFound = errors.New("email job not found")

	// ErrInvalidTransition means the requested operator action is not
	// allowed from the job's current status (for example cancelling a
	// job that is in flight or already sent).
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrLeaseLost means an outcome update found the job no longer in
	// processing: the lease was reaped (or another worker won it) while
	// the send was in flight. The attempt is discarded, not recorded.
	ErrLeaseLost = errors.New("processing lease lost")
)

// ValidationError rejects malformed enqueue input synchronously; nothing
// is persisted when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
