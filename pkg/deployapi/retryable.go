package deployapi

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
)

// Retryable reports whether err is worth another attempt. Network
// failures, 408, 425, 429 and 5xx responses are. Other 4xx responses
// are permanent unless clientErrors is set. Errors without a status or
// a network cause (bad input, canceled contexts) are never retried.
func Retryable(err error, clientErrors bool) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch s := apiErr.StatusCode; {
		case s == http.StatusRequestTimeout,
			s == http.StatusTooEarly,
			s == http.StatusTooManyRequests,
			s >= 500:
			return true
		case s >= 400:
			return clientErrors
		}
		return false
	}

	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
