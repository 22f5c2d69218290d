package genai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// StatusError lets non-OpenAI backends report an HTTP status for classification.
type StatusError interface {
	error
	HTTPStatus() int
}

// classify maps a raw backend error onto the upstream failure taxonomy and
// reports whether the call may be retried.
func classify(err error) (kind error, retryable bool) {
	switch {
	case err == nil:
		return nil, false
	case errors.Is(err, models.ErrUpstreamRateLimited):
		return models.ErrUpstreamRateLimited, true
	case errors.Is(err, models.ErrUpstreamTimeout):
		return models.ErrUpstreamTimeout, true
	case errors.Is(err, models.ErrUpstreamUnavailable):
		return models.ErrUpstreamUnavailable, true
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrUpstreamTimeout, true
	case errors.Is(err, context.Canceled):
		return models.ErrUpstreamUnavailable, false
	}

	status := 0
	var apiErr *openai.Error
	var statusErr StatusError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.StatusCode
	case errors.As(err, &statusErr):
		status = statusErr.HTTPStatus()
	}
	if status != 0 {
		return classifyStatus(status)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.ErrUpstreamTimeout, true
	}
	return models.ErrUpstreamUnavailable, true
}

func classifyStatus(status int) (error, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return models.ErrUpstreamRateLimited, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return models.ErrUpstreamTimeout, true
	case status >= 500:
		return models.ErrUpstreamUnavailable, true
	default:
		return models.ErrUpstreamUnavailable, false
	}
}

// DegradedError is returned once a capability call has exhausted its retry
// budget or failed in a non-retryable way. It matches both models.ErrDegraded
// and the classified failure kind under errors.Is.
type DegradedError struct {
	Op       string
	Attempts int
	Kind     error
	Err      error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("%s degraded after %d attempt(s): %v: %v", e.Op, e.Attempts, e.Kind, e.Err)
}

func (e *DegradedError) Unwrap() []error {
	return []error{models.ErrDegraded, e.Kind, e.Err}
}
