// Package httputil holds the HTTP plumbing shared by the search and fetch clients.
package httputil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spigell/fitcheck/internal/utils"
)

// RetryBaseDelay is the first backoff step after a 429. Tests shrink it.
var RetryBaseDelay = 2 * time.Second

// MaxRetryAfter caps a server-provided Retry-After value.
var MaxRetryAfter = 30 * time.Second

const defaultMaxRetries = 3

// DoWithRetry executes req and retries on HTTP 429 with exponential backoff,
// honouring Retry-After when present. After the retries are spent the last 429
// response is returned for the caller to inspect.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, maxRetries int) (*http.Response, error) {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	for attempt := 0; ; attempt++ {
		attemptReq, err := cloneRequest(ctx, req, attempt)
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(attemptReq)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests || attempt >= maxRetries {
			return resp, nil
		}

		delay := retryAfter(resp.Header.Get("Retry-After"))
		if delay <= 0 {
			delay = RetryBaseDelay << attempt
		}

		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if err := utils.WaitFor(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// cloneRequest rewinds the body for every attempt after the first.
func cloneRequest(ctx context.Context, req *http.Request, attempt int) (*http.Request, error) {
	clone := req.Clone(ctx)
	if attempt == 0 || req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}

	if req.GetBody == nil {
		return nil, fmt.Errorf("cannot retry %s %s: request body is not rewindable", req.Method, req.URL.Redacted())
	}

	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	clone.Body = body

	return clone, nil
}

func retryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return 0
	}

	d := time.Duration(seconds) * time.Second
	if d > MaxRetryAfter {
		d = MaxRetryAfter
	}
	return d
}
