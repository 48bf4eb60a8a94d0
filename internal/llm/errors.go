package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors callers can match with errors.Is. Transient upstream
// failures (429, 5xx) are only surfaced after the retry budget is spent.
var (
	ErrEmptyInput         = errors.New("input text cannot be empty")
	ErrRateLimited        = errors.New("upstream rate limit exceeded")
	ErrUnavailable        = errors.New("upstream service unavailable")
	ErrInvalidCredentials = errors.New("invalid upstream API credentials")
)

// UpstreamError carries the status and message of an upstream failure
// that does not map to one of the sentinel errors.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.Status, e.Message)
}

// classifyStatus maps a terminal upstream HTTP status to a typed error.
func classifyStatus(status int, message string) error {
	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrInvalidCredentials, message)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, message)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, message)
	default:
		return &UpstreamError{Status: status, Message: message}
	}
}
