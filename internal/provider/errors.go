package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/ishenwei/smart-trip-quote/internal/upstream/gemini"
	"github.com/ishenwei/smart-trip-quote/internal/upstream/openai"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrNotConfigured   = errors.New("provider not configured")
)

// Error is a failed generation call: transport failure, timeout or non-2xx answer.
type Error struct {
	Provider   ID
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s: request timeout: %v", e.Provider, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("%s: request failed: %v", e.Provider, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	if e.Timeout {
		return true
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 {
		return true
	}
	if e.StatusCode != 0 || errors.Is(e.Err, context.Canceled) {
		return false
	}
	// Only transport failures are worth another attempt. A malformed body
	// will be just as malformed next time.
	var netErr net.Error
	return errors.As(e.Err, &netErr)
}

func wrapError(id ID, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}

	out := &Error{Provider: id, Err: err}
	var upstreamErr *openai.Error
	var geminiErr *gemini.Error
	var netErr net.Error
	switch {
	case errors.As(err, &upstreamErr):
		out.StatusCode = upstreamErr.StatusCode
	case errors.As(err, &geminiErr):
		out.StatusCode = geminiErr.StatusCode
	case errors.Is(err, context.DeadlineExceeded):
		out.Timeout = true
	case errors.As(err, &netErr) && netErr.Timeout():
		out.Timeout = true
	}
	return out
}

// IsRetryable reports whether err is a provider failure worth retrying.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}
