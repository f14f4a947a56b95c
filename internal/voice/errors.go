package voice

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FailureReason tags a provider failure reported upward to the sink.
type FailureReason string

const (
	ReasonCredentialsInvalid FailureReason = "credentials_invalid"
	ReasonProviderTimeout    FailureReason = "provider_timeout"
	ReasonQuotaExceeded      FailureReason = "quota_exceeded"
	ReasonUploadFailed       FailureReason = "upload_failed"
	ReasonInternal           FailureReason = "internal_error"
)

// Retryable reports whether the failure may succeed on a later attempt.
func (r FailureReason) Retryable() bool {
	switch r {
	case ReasonProviderTimeout, ReasonUploadFailed, ReasonInternal:
		return true
	default:
		return false
	}
}

// ErrSessionClosed is returned when audio is sent to a session that has
// started finalizing.
var ErrSessionClosed = errors.New("streaming session closed")

// ProviderError wraps an error from a transcription provider with its reason.
type ProviderError struct {
	Reason FailureReason
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError is a shorthand for &ProviderError{reason, err}.
func NewProviderError(reason FailureReason, err error) error {
	return &ProviderError{Reason: reason, Err: err}
}

// ReasonForStatus maps an HTTP status from a provider to a failure reason.
func ReasonForStatus(status int) FailureReason {
	switch {
	case status == 401 || status == 403:
		return ReasonCredentialsInvalid
	case status == 402 || status == 429:
		return ReasonQuotaExceeded
	case status == 408 || status == 504:
		return ReasonProviderTimeout
	case status >= 500:
		return ReasonUploadFailed
	default:
		return ReasonInternal
	}
}

// ReasonFor classifies an arbitrary error.
func ReasonFor(err error) FailureReason {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonProviderTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonProviderTimeout
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return ReasonUploadFailed
	}
	return ReasonInternal
}
