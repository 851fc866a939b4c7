package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// StatusError is a non-2xx response from the endpoint.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.StatusCode, e.Body)
}

// TransportError means no HTTP response was received.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// MalformedResponseError is a 2xx response whose body could not be used.
// The server may have accepted the invoice, so resending is safe and required.
type MalformedResponseError struct {
	StatusCode int
	Err        error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response (status %d): %v", e.StatusCode, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// Class is the retry classification of a delivery failure.
type Class int

const (
	// ClassNone: no error.
	ClassNone Class = iota
	// ClassRetryable: reschedule with backoff.
	ClassRetryable
	// ClassTerminal: mark the record failed.
	ClassTerminal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRetryable:
		return "retryable"
	case ClassTerminal:
		return "terminal"
	}
	return "unknown"
}

// Classify maps a CreateInvoice error onto a retry class.
// 5xx, 408 and 429 are retryable; any other status is terminal. Errors
// without a status (timeouts, refused or reset connections, transport
// failures, malformed success bodies) are retryable.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode)
	}

	if isRetryableNetworkError(err) || isRetryableSystemError(err) {
		return ClassRetryable
	}

	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return ClassRetryable
	}
	var transport *TransportError
	if errors.As(err, &transport) {
		return ClassRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassRetryable
	}

	// Request construction and encoding failures will not improve on retry.
	return ClassTerminal
}

func classifyStatus(code int) Class {
	switch {
	case code >= 500 && code <= 599:
		return ClassRetryable
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return ClassRetryable
	default:
		return ClassTerminal
	}
}

func isRetryableNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isRetryableSystemError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// IsTimeout reports whether err is a request that ran out of time, either
// locally or as a 408 from the endpoint.
func IsTimeout(err error) bool {
	if isRetryableNetworkError(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return StatusCode(err) == http.StatusRequestTimeout
}

// IsTransportError reports whether err means the request never got a response,
// which is a hint that reachability may have changed.
func IsTransportError(err error) bool {
	var transport *TransportError
	return errors.As(err, &transport)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
