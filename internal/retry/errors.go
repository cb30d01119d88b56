package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// Errors
var (
	ErrOffline       = errors.New("retry: network offline")
	ErrCanceled      = errors.New("retry: operation canceled")
	ErrInvalidPolicy = errors.New("retry: max attempts must be > 0")
)

// Class is the retry category of an error.
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassRateLimited
	ClassProtocol
	ClassAuthorization
	ClassExhausted
	ClassCanceled
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassProtocol:
		return "protocol"
	case ClassAuthorization:
		return "authorization"
	case ClassExhausted:
		return "exhausted"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// TransientError is a timeout, connection reset or server-side failure.
type TransientError struct {
	StatusCode int // HTTP status when the failure came from a response, else 0
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitedError means the remote service rejected the request for rate.
type RateLimitedError struct {
	RetryAfter time.Duration // Server hint, 0 if absent
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// ProtocolError is a malformed frame or unexpected message shape. It is
// dropped, never retried.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthorizationError is a client-side rejection (4xx other than 429).
type AuthorizationError struct {
	StatusCode int
	Err        error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("request rejected (status %d): %v", e.StatusCode, e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// ExhaustedError is returned once an operation has used all its attempts.
type ExhaustedError struct {
	OperationID string
	Attempts    int
	Last        error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation %q exhausted after %d attempts: %v", e.OperationID, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// Protocol wraps err as a ProtocolError.
func Protocol(reason string, err error) error {
	return &ProtocolError{Reason: reason, Err: err}
}

// Classify maps err onto the retry taxonomy. Typed errors win; otherwise
// timeouts, connection errors and abnormal socket closes are transient.
// Anything unrecognised is ClassUnknown and is not retried.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var (
		transient *TransientError
		limited   *RateLimitedError
		protocol  *ProtocolError
		authz     *AuthorizationError
		exhausted *ExhaustedError
	)
	switch {
	case errors.As(err, &exhausted):
		return ClassExhausted
	case errors.As(err, &limited):
		return ClassRateLimited
	case errors.As(err, &authz):
		return ClassAuthorization
	case errors.As(err, &protocol):
		return ClassProtocol
	case errors.As(err, &transient):
		return ClassTransient
	}

	if errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return ClassTransient
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.ClosePolicyViolation {
			return ClassAuthorization
		}
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassUnknown
}

// IsRetryable is the default classifier: transient and rate-limited errors
// are retried, everything else is fatal.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassRateLimited:
		return true
	default:
		return false
	}
}

// retryAfter extracts the server-provided wait from a rate-limited error.
func retryAfter(err error) (time.Duration, bool) {
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		return 0, false
	}
	return limited.RetryAfter, true
}
