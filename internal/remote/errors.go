package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// TransientError is a failure worth retrying on a later pass: network
// errors, timeouts, throttling and server errors.
type TransientError struct {
	Op         string
	StatusCode int // zero for network errors
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError means the backend refused the request and retrying the same
// payload will not help.
type RejectedError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: rejected with HTTP %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: rejected with HTTP %d", e.Op, e.StatusCode)
}

// Permanent reports that the failure should not be retried.
func (e *RejectedError) Permanent() bool { return true }

// AuthError means the backend refused the credentials. The document is fine;
// every other upload in the pass would fail the same way until the token
// changes.
type AuthError struct {
	Op         string
	StatusCode int // zero when no token could be read
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unauthorized (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: unauthorized: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// AuthFailure marks the error as a credentials problem.
func (e *AuthError) AuthFailure() bool { return true }

// IsAuthFailure reports whether err, or any error it wraps, is an AuthError.
func IsAuthFailure(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsPermanent reports whether err, or any error it wraps, is a permanent
// rejection.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
