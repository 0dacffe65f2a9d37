package worker

import (
	"context"
	"errors"

	"github.com/DukeRupert/replyflow/internal/domain"
)

// Poster publishes a deferred reply to the video platform.
type Poster interface {
	// Name identifies the implementation in logs.
	Name() string

	// Post publishes the item. Return an error wrapped with
	// NewPermanentError when retrying cannot help (deleted comment,
	// revoked credentials); any other error is retried with backoff.
	Post(ctx context.Context, item domain.OverflowQueueItem) error
}

// PermanentError wraps an error to indicate it should not be retried.
// Items that fail with a PermanentError are marked failed immediately.
type PermanentError struct {
	Err error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return e.Err.Error()
}

// Unwrap allows errors.Is and errors.As to work with PermanentError.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError creates a new PermanentError that wraps the given error.
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or any error it wraps, is a PermanentError.
func IsPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}
