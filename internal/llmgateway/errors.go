package llmgateway

import (
	"context"
	"errors"
	"net"
)

// Sentinel errors for well-known Gateway conditions.
var (
	ErrRateLimited  = errors.New("llmgateway: rate limited")
	ErrServerError  = errors.New("llmgateway: upstream server error")
	ErrProtocol     = errors.New("llmgateway: malformed provider response")
)

// IsRetryable reports whether err represents a transient LLM-call failure
// worth retrying (rate limits, server errors, network errors, deadline
// exceeded). Protocol errors (malformed responses) are treated as
// non-retryable tool-equivalent errors, matching the teacher's distinction
// between retryable transport errors and structural response errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServerError) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
