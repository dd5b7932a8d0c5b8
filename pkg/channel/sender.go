package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/zoff-tech/go-outbound/pkg/store"
)

// Error codes assigned by the engine rather than reported by a provider.
const (
	CodeTimeout            = "TIMEOUT"
	CodeNoProvider         = "NO_PROVIDER"
	CodeCircuitOpen        = "CIRCUIT_BREAKER_OPEN"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeProviderFailed     = "PROVIDER_FAILED"
	CodeInvalidResponse    = "INVALID_RESPONSE"
	CodeRateLimited        = "RATE_LIMITED"
	CodeProviderValidation = "PROVIDER_REJECTED"
)

// SendRequest is one delivery attempt handed to a provider.
type SendRequest struct {
	MessageID    string         `json:"message_id"`
	TenantID     string         `json:"tenant_id"`
	Channel      store.Channel  `json:"channel"`
	Recipient    string         `json:"to"`
	TemplateCode string         `json:"template,omitempty"`
	Subject      string         `json:"subject,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload"`
}

// NewSendRequest builds the request for msg.
func NewSendRequest(msg *store.OutboundMessage) SendRequest {
	return SendRequest{
		MessageID:    msg.ID,
		TenantID:     msg.TenantID,
		Channel:      msg.Channel,
		Recipient:    msg.Recipient,
		TemplateCode: msg.TemplateCode,
		Subject:      msg.Subject,
		Category:     msg.Category,
		Payload:      msg.Payload,
	}
}

// SendResult is returned once the provider accepted the message.
type SendResult struct {
	ProviderMessageID string
}

// Sender delivers messages of one channel. Failures are returned as *SendError.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, req SendRequest) (SendResult, error)

func (f SenderFunc) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	return f(ctx, req)
}

// SendError is a classified send failure.
type SendError struct {
	Code        string
	Message     string
	Retryable   bool
	RateLimited bool
	// RetryAfter is the provider's hint, zero when it gave none.
	RetryAfter time.Duration
	StatusCode int
}

func (e *SendError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s send error %s: %s", kind, e.Code, e.Message)
}

func Retryable(code, message string) *SendError {
	return &SendError{Code: code, Message: message, Retryable: true}
}

func Permanent(code, message string) *SendError {
	return &SendError{Code: code, Message: message}
}

// Classify turns any send failure into a *SendError. Timeouts are retryable
// and so is anything unrecognised.
func Classify(err error) *SendError {
	if err == nil {
		return nil
	}
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable(CodeTimeout, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable(CodeTimeout, err.Error())
	}
	return Retryable(CodeProviderFailed, err.Error())
}
