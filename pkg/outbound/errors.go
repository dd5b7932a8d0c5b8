package outbound

import (
	"errors"
	"fmt"
	"time"

	"github.com/zoff-tech/go-outbound/pkg/quota"
	"github.com/zoff-tech/go-outbound/pkg/session"
)

var (
	// ErrValidation is returned for a malformed enqueue request.
	ErrValidation = errors.New("invalid outbound message")
	// ErrSessionWindowClosed is returned for a free-form message outside the recipient's session window.
	ErrSessionWindowClosed = errors.New("session window closed")
	// ErrInvalidState is returned when an operator action does not apply to the message's status.
	ErrInvalidState = errors.New("action not allowed in current status")
)

// Rejection reasons returned to callers of Enqueue.
const (
	ReasonValidationFailed    = "VALIDATION_FAILED"
	ReasonQuotaExceeded       = quota.ReasonQuotaExceeded
	ReasonThrottled           = quota.ReasonThrottled
	ReasonSessionWindowClosed = session.ErrorCodeWindowClosed
)

// RejectionError is a synchronous enqueue refusal. Nothing was persisted.
type RejectionError struct {
	Reason     string
	Message    string
	RetryAfter time.Duration
}

func (e *RejectionError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s)", e.Reason, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *RejectionError) Unwrap() error {
	switch e.Reason {
	case ReasonValidationFailed:
		return ErrValidation
	case ReasonQuotaExceeded, ReasonThrottled:
		return quota.ErrThrottled
	case ReasonSessionWindowClosed:
		return ErrSessionWindowClosed
	}
	return nil
}

func invalid(format string, args ...any) *RejectionError {
	return &RejectionError{Reason: ReasonValidationFailed, Message: fmt.Sprintf(format, args...)}
}
