// Package errs defines the error taxonomy shared by the retry policy, the
// exchange client and the stream workers. Errors are split into transient
// failures, which the retry policy may re-attempt, and terminal failures,
// which fail the stream immediately.
package errs

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// transientError marks an error as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// terminalError marks an error as non-retryable.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Transient wraps err as a retryable failure (network hiccup, upstream rate
// limit, 5xx). Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transientf formats and wraps a retryable failure.
func Transientf(format string, args ...any) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

// Terminal wraps err as a non-retryable failure (bad symbol, auth failure,
// malformed request). Returns nil for a nil err.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// Terminalf formats and wraps a non-retryable failure.
func Terminalf(format string, args ...any) error {
	return &terminalError{err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err carries a transient marker anywhere in its
// chain.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// IsTerminal reports whether err carries a terminal marker anywhere in its
// chain. Terminal wins over transient when both appear.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// HTTPStatusError carries an upstream HTTP failure with its status code so
// the classifier can decide retryability.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

// Error implements the error interface.
func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream returned %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("upstream returned %s", e.Status)
}

// Classify inspects an unmarked error and wraps it as transient or terminal.
// Already-marked errors pass through unchanged. Network errors, timeouts and
// 5xx/429-equivalent responses are transient; 4xx responses and everything
// that smells like a malformed request are terminal. Unknown errors default
// to transient so that a flaky upstream does not fail streams prematurely.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) || IsTerminal(err) {
		return err
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return Transient(err)
		case httpErr.StatusCode == 418: // Binance IP ban escalation, clears after a cool-down
			return Transient(err)
		case httpErr.StatusCode >= 500:
			return Transient(err)
		case httpErr.StatusCode >= 400:
			return Terminal(err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "temporarily unavailable"):
		return Transient(err)
	case strings.Contains(msg, "invalid symbol"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "malformed"):
		return Terminal(err)
	}

	return Transient(err)
}
