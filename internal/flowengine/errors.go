// Package flowengine implements the service activation workflow engine.
// It walks an activation's ordered step plan, retries declined steps with
// backoff, and compensates completed steps in reverse order on failure.
package flowengine

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
)

// ErrActivationNotFound is returned when an activation ID doesn't exist in the store.
var ErrActivationNotFound = errors.New("activation not found")

// ErrStepNotFound is returned when a step ID doesn't exist in the store.
var ErrStepNotFound = errors.New("activation step not found")

// ErrInvalidState is returned when an operation is not allowed in the activation's current status.
var ErrInvalidState = errors.New("invalid activation state")

// ErrInvalidTransition is returned when a status change is not permitted by the state machine.
var ErrInvalidTransition = errors.New("activation status transition not permitted")

// ErrNoHandler is recorded when a step name has no registered forward handler.
var ErrNoHandler = errors.New("no handler registered")

// ErrRetriesExhausted is recorded when a step keeps declining after max_retries.
var ErrRetriesExhausted = errors.New("maximum retry attempts reached")

// ErrDependencyNotMet is recorded when a step's dependency has not completed.
var ErrDependencyNotMet = errors.New("step dependency not completed")

// ErrActivationLocked is returned when another caller is executing the activation.
var ErrActivationLocked = errors.New("activation is locked by another execution")

// TransientError represents a temporary collaborator failure that may succeed on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// PermanentError represents a failure that will not succeed on retry.
// Examples: invalid account data, unknown customer, rejected configuration.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps an error as permanent.
func NewPermanentError(err error) *PermanentError {
	return &PermanentError{Err: err}
}

// IsTransient returns true if the error is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent returns true if the error is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ClassifyError determines whether an error is transient or permanent.
// Already classified errors are returned as-is. Network and connection errors,
// recognised by type or by message, are transient. Anything else (a malformed
// URL, an unsupported scheme, a TLS configuration error) is permanent.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	if IsTransient(err) || IsPermanent(err) {
		return err
	}

	// *url.Error satisfies net.Error for every client failure, so only
	// timeouts and socket-level errors count here.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTransientError(err)
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return NewTransientError(err)
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return NewTransientError(err)
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"i/o timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"deadline exceeded",
		"broken pipe",
	} {
		if strings.Contains(msg, pattern) {
			return NewTransientError(err)
		}
	}

	return NewPermanentError(err)
}

// ClassifyHTTPStatus classifies a collaborator HTTP status code.
//   - 5xx, 408, 429 → transient
//   - other 4xx → permanent
func ClassifyHTTPStatus(statusCode int, body string) error {
	if statusCode >= 200 && statusCode < 400 {
		return nil
	}

	msg := fmt.Sprintf("HTTP %d: %s", statusCode, strings.TrimSpace(body))

	switch {
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		return NewTransientError(errors.New(msg))
	default:
		return NewPermanentError(errors.New(msg))
	}
}
