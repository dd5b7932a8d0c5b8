package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Channel identifies the external medium a message is delivered over.
type Channel string

const (
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelEmail    Channel = "EMAIL"
	ChannelSMS      Channel = "SMS"
)

// Channels lists every supported channel, in reporting order.
var Channels = []Channel{ChannelWhatsApp, ChannelEmail, ChannelSMS}

// ParseChannel accepts a channel name in any case.
func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Channels {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown channel: %q", s)
}

// Direction is always outbound for records owned by this engine.
type Direction string

const DirectionOutbound Direction = "OUTBOUND"

// Conversation categories used for cost accounting.
const (
	CategoryMarketing      = "MARKETING"
	CategoryUtility        = "UTILITY"
	CategoryAuthentication = "AUTHENTICATION"
	CategoryService        = "SERVICE"
)

// OutboundMessage is a single logical send request and its delivery lifecycle.
type OutboundMessage struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Channel        Channel        `json:"channel"`
	Direction      Direction      `json:"direction"`
	Recipient      string         `json:"recipient"`
	DossierID      string         `json:"dossier_id,omitempty"`
	TemplateCode   string         `json:"template_code,omitempty"`
	Subject        string         `json:"subject,omitempty"`
	Category       string         `json:"category"`
	Payload        map[string]any `json:"payload"`

	Status            Status     `json:"status"`
	AttemptCount      int        `json:"attempt_count"`
	MaxAttempts       int        `json:"max_attempts"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	ErrorCode         string     `json:"error_code,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewOutboundMessage returns a QUEUED message with a fresh id.
func NewOutboundMessage(tenantID string, channel Channel, recipient string, maxAttempts int, now time.Time) *OutboundMessage {
	return &OutboundMessage{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Channel:     channel,
		Direction:   DirectionOutbound,
		Recipient:   recipient,
		Payload:     map[string]any{},
		Status:      StatusQueued,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// DefaultCategory derives the cost category when the caller did not set one.
// Free-form WhatsApp traffic is billed as a service conversation.
func DefaultCategory(channel Channel, templateCode string) string {
	if channel != ChannelWhatsApp {
		return string(channel)
	}
	if templateCode == "" {
		return CategoryService
	}
	return CategoryUtility
}

// AttemptOutcome is recorded once per dispatch attempt or operator action.
type AttemptOutcome string

const (
	OutcomeSent            AttemptOutcome = "SENT"
	OutcomeFailedRetryable AttemptOutcome = "FAILED_RETRYABLE"
	OutcomeFailedPermanent AttemptOutcome = "FAILED_PERMANENT"
	OutcomeRejected        AttemptOutcome = "REJECTED"
	OutcomeRequeued        AttemptOutcome = "REQUEUED"
	OutcomeCancelled       AttemptOutcome = "CANCELLED"
)

// Attempt is an append-only audit row in outbound_attempts.
type Attempt struct {
	MessageID    string         `json:"message_id"`
	Number       int            `json:"attempt_number"`
	Outcome      AttemptOutcome `json:"outcome"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Actor        string         `json:"actor,omitempty"`
	Duration     time.Duration  `json:"duration"`
	CreatedAt    time.Time      `json:"created_at"`
}
