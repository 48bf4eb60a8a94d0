package llm

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// retryPolicy is shared by the embedding and completion call sites:
// same attempt budget, same retryable-status predicate, same backoff.
type retryPolicy struct {
	maxAttempts   int
	rateLimitBase time.Duration // 429 backoff: rateLimitBase << attempt
	serverErrBase time.Duration // 5xx backoff: attempt * serverErrBase
}

func defaultRetryPolicy(maxAttempts int) retryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return retryPolicy{
		maxAttempts:   maxAttempts,
		rateLimitBase: time.Second,
		serverErrBase: 2 * time.Second,
	}
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// wait returns the backoff before the next attempt: exponential for rate
// limits, linear for server errors.
func (p retryPolicy) wait(status, attempt int) time.Duration {
	if status == http.StatusTooManyRequests {
		return p.rateLimitBase << attempt
	}
	return time.Duration(attempt) * p.serverErrBase
}

// doWithRetry executes the request built by build, retrying transient
// upstream statuses up to the policy's attempt budget. The caller owns
// the response body on success; on failure the typed error from
// classifyStatus is returned. Transport errors are not retried: without
// a status there is nothing to classify, so they surface immediately.
func (c *Client) doWithRetry(build func() (*http.Request, error)) (*http.Response, error) {
	var lastStatus int
	var lastMessage string

	for attempt := 1; attempt <= c.retry.maxAttempts; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &UpstreamError{Status: http.StatusInternalServerError, Message: err.Error()}
		}
		if resp.StatusCode < 300 {
			return resp, nil
		}

		lastStatus = resp.StatusCode
		lastMessage = readErrorMessage(resp)

		if !retryableStatus(resp.StatusCode) || attempt == c.retry.maxAttempts {
			break
		}

		wait := c.retry.wait(resp.StatusCode, attempt)
		c.logger.Warn("upstream request failed, retrying",
			"status", resp.StatusCode,
			"attempt", attempt,
			"maxAttempts", c.retry.maxAttempts,
			"wait", wait,
		)
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(wait):
		}
	}

	return nil, classifyStatus(lastStatus, lastMessage)
}

// readErrorMessage drains and closes an error response body, pulling the
// upstream error message out of the standard {"error":{"message":...}}
// envelope when present.
func readErrorMessage(resp *http.Response) string {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return resp.Status
}
