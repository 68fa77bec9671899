package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorCode categorizes a failed store operation.
type ErrorCode string

const (
	// ErrCodeUnreachable covers connection failures and timeouts:
	// transient-network, always retryable.
	ErrCodeUnreachable ErrorCode = "UNREACHABLE"
	// ErrCodeRejected covers remote-rejected operations (malformed data,
	// permission failures): never retryable.
	ErrCodeRejected ErrorCode = "REJECTED"
	// ErrCodeOverloaded covers throttling and transient server failures:
	// retryable.
	ErrCodeOverloaded ErrorCode = "OVERLOADED"
)

// StoreError is a classified failure from the remote document store. The
// sync engine uses Retryable to decide between outbound-queue enqueue and
// surfacing the failure to the caller.
type StoreError struct {
	Op         string
	Code       ErrorCode
	StatusCode int
	Retryable  bool
	Cause      error
}

func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("remote %s: %s: %v", e.Op, e.Code, e.Cause)
	}
	return fmt.Sprintf("remote %s: %s (http %d)", e.Op, e.Code, e.StatusCode)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err represents a transient failure worth
// requeueing. Unclassified errors are treated as non-retryable.
func IsRetryable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// transportError classifies a failure that happened before any HTTP
// response arrived (dial, timeout, context deadline).
func transportError(op string, err error) *StoreError {
	code := ErrCodeUnreachable
	retryable := true
	if errors.Is(err, context.Canceled) {
		retryable = false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		code = ErrCodeUnreachable
	}
	return &StoreError{Op: op, Code: code, Retryable: retryable, Cause: err}
}

// httpError classifies a non-2xx HTTP response. 5xx, 429 and 408 are
// transient; every other 4xx is a permanent rejection.
func httpError(op string, statusCode int) *StoreError {
	retryable := statusCode >= 500 || statusCode == 429 || statusCode == 408
	code := ErrCodeRejected
	if retryable {
		code = ErrCodeOverloaded
	}
	return &StoreError{Op: op, Code: code, StatusCode: statusCode, Retryable: retryable}
}
