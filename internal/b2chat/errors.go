package b2chat

import (
	"errors"
	"fmt"
	"time"
)

// APIError is a failed request to the platform API. Retryable marks
// transient failures (rate limits, 5xx, transport errors) that the client
// retried before giving up; everything else is a permanent request problem.
type APIError struct {
	StatusCode  int
	Endpoint    string
	RequestURL  string
	RawResponse string
	Retryable   bool
	Attempts    int
	Err         error

	retryAfter time.Duration
}

func (e *APIError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode == 0:
		return fmt.Sprintf("b2chat api %s failed after %d attempt(s): %v", e.Endpoint, e.Attempts, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("b2chat api %s returned %d: %v", e.Endpoint, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("b2chat api %s returned %d after %d attempt(s)", e.Endpoint, e.StatusCode, e.Attempts)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient upstream failure that
// exhausted its retries, as opposed to a permanently failing request.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable
}
