package delivery

import (
	"fmt"
	"time"
)

// RateLimitedError carries the pause the destination asked for. The
// sender honors it and retries without spending a retry slot.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// TransientError marks a failure worth retrying: timeouts, connection
// resets, server-side 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure no retry can fix, such as a rejected
// payload or a missing chat.
type PermanentError struct {
	Code        int
	Description string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %d %s", e.Code, e.Description)
}
