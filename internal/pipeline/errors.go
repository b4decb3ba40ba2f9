package pipeline

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrQueueClosed is returned by queue implementations after shutdown.
// Workers treat it as a stop signal, not a transient failure.
var ErrQueueClosed = errors.New("queue closed")

// ErrCredentialsExhausted is returned by the broker when no key is usable
// in either the private or the shared scope. The broker never retries on
// its own; the queue's backoff policy governs.
var ErrCredentialsExhausted = errors.New("all credentials exhausted")

// EmptyContentError means both title and content resolved to empty after
// every selector fallback. It is fatal to the job.
type EmptyContentError struct {
	URL string
}

func (e *EmptyContentError) Error() string {
	return fmt.Sprintf("no title or content extracted from %s", e.URL)
}

// IsEmptyContent reports whether err is an EmptyContentError.
func IsEmptyContent(err error) bool {
	var ece *EmptyContentError
	return errors.As(err, &ece)
}
