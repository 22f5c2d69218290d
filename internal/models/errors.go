package models

import "errors"

// Capability failures.
var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamRateLimited = errors.New("upstream rate limited")
	// ErrDegraded is surfaced once the retry budget for a capability call is exhausted.
	ErrDegraded = errors.New("capability degraded")
)

// Orchestration errors.
var (
	ErrLowConfidenceRetrieval   = errors.New("low confidence retrieval")
	ErrInvalidStageTransition   = errors.New("invalid stage transition")
	ErrCrisisEvaluationDegraded = errors.New("crisis evaluation degraded to lexical matching")
	ErrConversationNotFound     = errors.New("conversation not found")
	ErrConversationClosed       = errors.New("conversation closed")
	ErrHabitNotFound            = errors.New("habit not found")
	ErrEmptyMessage             = errors.New("message text is empty")
)

// IsUpstreamFailure reports whether err originates from a capability call.
func IsUpstreamFailure(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrUpstreamRateLimited) ||
		errors.Is(err, ErrDegraded)
}
