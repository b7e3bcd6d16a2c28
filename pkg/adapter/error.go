package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrBackendCall marks a failed or timed-out backend invocation.
var ErrBackendCall = errors.New("backend call failed")

// AdapterError carries the provider and HTTP status of a failed call.
type AdapterError struct {
	Provider string
	Status   int
	// Temporary marks failures that are retryable regardless of status,
	// such as a refused connection to a local server.
	Temporary bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("adapter error (status=%d)", e.Status)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether the provider asked for a retry.
func (e *AdapterError) Retryable() bool {
	return e != nil && (e.Temporary || retryableStatus(e.Status))
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// IsTransient reports whether an error is safe to retry. Per-attempt
// timeouts are transient; caller cancellation is not.
func IsTransient(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var adapterErr *AdapterError
	return errors.As(err, &adapterErr) && adapterErr.Retryable()
}
