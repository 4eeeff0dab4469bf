package delivery

import (
	"context"
	"fmt"
	"time"
)

// Sink delivers rendered messages to a recipient chat. Implementations
// classify failures: a *PermanentError stops delivery immediately, any
// other error is treated as transient and retried with backoff.
type Sink interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// TransientError marks a send failure worth retrying. RetryAfter carries
// the source's requested delay when it announced one, zero otherwise.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient send failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError marks a send failure that must not be retried.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return "permanent send failure: " + e.Reason
}
