package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/logging"
)

// Attempt records one try of an upstream request.
type Attempt struct {
	Number     int           `json:"number"`
	StartedAt  time.Time     `json:"started_at"`
	StatusCode int           `json:"status_code,omitempty"`
	Delay      time.Duration `json:"delay,omitempty"` // wait scheduled after this attempt
	Err        string        `json:"error,omitempty"`
}

// StatusError is a non-2xx upstream response. Every status is retried by
// the executor; throttling statuses may carry a Retry-After hint.
type StatusError struct {
	StatusCode int
	Body       string // sanitized and truncated
	retryAfter time.Duration
	hasHint    bool
}

func newStatusError(resp *http.Response, body []byte, now time.Time) *StatusError {
	e := &StatusError{
		StatusCode: resp.StatusCode,
		Body:       logging.SanitizeText(strings.TrimSpace(string(body))),
	}
	if e.Throttled() {
		e.retryAfter, e.hasHint = parseRetryAfter(resp.Header.Get("Retry-After"), now)
	}
	return e
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// IsRetryable implements retry.RetryableError.
func (e *StatusError) IsRetryable() bool { return true }

// RetryAfter implements retry.DelayHinter.
func (e *StatusError) RetryAfter() (time.Duration, bool) {
	return e.retryAfter, e.hasHint
}

// Throttled reports whether the upstream asked us to slow down.
func (e *StatusError) Throttled() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusServiceUnavailable
}

// TransportError wraps DNS, dial and connection failures.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string     { return "upstream transport: " + logging.SanitizeError(e.Err) }
func (e *TransportError) Unwrap() error     { return e.Err }
func (e *TransportError) IsRetryable() bool { return true }

// RequestError is returned once the executor gives up on a request.
// It carries every attempt so callers can report what happened.
type RequestError struct {
	Method     string
	URL        string
	StatusCode int // final status, 0 when no response was received
	Attempts   []Attempt
	Err        error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Method, e.URL, len(e.Attempts), e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// StatusCodeOf returns the final HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode != 0 {
		return reqErr.StatusCode
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// parseRetryAfter reads a Retry-After header given as delta-seconds or an HTTP-date.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
