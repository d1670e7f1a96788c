package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// RetryPolicy controls when DoWithRetry tries again after a response.
type RetryPolicy struct {
	// Retry429 waits Retry-After (capped at Max429Wait) on 429 Too Many Requests.
	Retry429   bool
	Max429Wait time.Duration
	// Retry5xx waits Backoff5xx (doubling per attempt) on 5xx.
	Retry5xx   bool
	Backoff5xx time.Duration
	// RetryNetwork also retries transport errors (connection refused, resets).
	RetryNetwork bool
	// MaxRetries is the number of extra attempts; 0 means one retry.
	MaxRetries uint
}

// DefaultRetryPolicy retries 429 (cap 60s) and 5xx (1s backoff) once.
var DefaultRetryPolicy = RetryPolicy{
	Retry429:   true,
	Max429Wait: 60 * time.Second,
	Retry5xx:   true,
	Backoff5xx: 1 * time.Second,
}

type retryableStatus struct {
	code int
	wait time.Duration
}

func (e *retryableStatus) Error() string { return fmt.Sprintf("retryable HTTP %d", e.code) }

// DoWithRetry performs req and retries on 429/5xx (and transport errors when the
// policy allows). 4xx other than 429 are never retried. When retries are exhausted
// the last response is returned as-is so callers can report its status.
// Caller must close resp.Body when err == nil.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	retries := policy.MaxRetries
	if retries == 0 {
		retries = 1
	}
	attempts := retries + 1
	var (
		resp *http.Response
		n    uint
	)
	err := retry.Do(
		func() error {
			n++
			r, err := client.Do(req.Clone(ctx))
			if err != nil {
				if ctx.Err() != nil || !policy.RetryNetwork {
					return retry.Unrecoverable(err)
				}
				return err
			}
			wait, again := policy.wait(r, n)
			if !again || n >= attempts {
				resp = r
				return nil
			}
			_, _ = io.Copy(io.Discard, r.Body)
			r.Body.Close()
			return &retryableStatus{code: r.StatusCode, wait: wait}
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.LastErrorOnly(true),
		retry.DelayType(func(_ uint, err error, _ *retry.Config) time.Duration {
			var rs *retryableStatus
			if errors.As(err, &rs) {
				return rs.wait
			}
			return policy.Backoff5xx
		}),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// wait reports whether r should be retried and how long to wait first.
func (p RetryPolicy) wait(r *http.Response, attempt uint) (time.Duration, bool) {
	code := r.StatusCode
	switch {
	case code == http.StatusTooManyRequests && p.Retry429:
		return parseRetryAfter(r.Header.Get("Retry-After"), p.Max429Wait), true
	case code >= 500 && p.Retry5xx:
		return p.Backoff5xx * time.Duration(1<<(attempt-1)), true
	}
	return 0, false
}

// parseRetryAfter parses Retry-After (seconds or HTTP-date); returns duration capped at max.
func parseRetryAfter(s string, max time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1 * time.Second
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		d := time.Duration(sec) * time.Second
		if d > max {
			return max
		}
		return d
	}
	t, err := time.Parse(time.RFC1123, s)
	if err != nil {
		return 1 * time.Second
	}
	until := time.Until(t)
	if until <= 0 {
		return 0
	}
	if until > max {
		return max
	}
	return until
}
