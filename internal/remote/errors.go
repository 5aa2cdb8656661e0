package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
)

var (
	// ErrNoToken is returned before any request is sent when no bearer
	// credential is configured.
	ErrNoToken = errors.New("no bearer token configured")

	// ErrNotModified is returned by GetProfileKey when the server answers
	// 304 to an If-None-Match precondition.
	ErrNotModified = errors.New("not modified")

	// ErrNotFound is returned when the server holds no value for a key.
	ErrNotFound = errors.New("remote key not found")

	// ErrThrottled is returned when the server answers 429.
	ErrThrottled = errors.New("throttled by server")
)

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Body)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Code)
}

// IsStatus reports whether err is a StatusError with the given code.
// Uses errors.As to handle wrapped errors.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// IsTransient reports whether err is a network or timeout failure worth
// retrying. HTTP status errors, missing credentials and caller
// cancellation are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return false
	}
	if errors.Is(err, ErrNoToken) || errors.Is(err, ErrNotModified) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrThrottled) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
