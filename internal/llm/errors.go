package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies completion failures so callers can decide between
// retrying and degrading.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindNetwork   ErrorKind = "network"
	KindRateLimit ErrorKind = "rate_limit"
	KindAuth      ErrorKind = "auth"
	KindUnknown   ErrorKind = "unknown"
)

// Error is a classified completion-service failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s completion %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind, mapping raw context and network errors
// that escaped classification. Nil errors report no kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

// IsTransient reports whether an error is worth retrying: timeouts, network
// failures, and rate limits. Auth and unknown failures are permanent.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindNetwork, KindRateLimit:
		return true
	default:
		return false
	}
}
