package store

import (
	"context"
	"time"
)

// SessionWindow is the customer-initiated messaging window of one recipient.
// WindowExpiresAt always equals LastInboundAt plus the configured duration.
type SessionWindow struct {
	TenantID        string     `json:"tenant_id" bson:"tenant_id"`
	Channel         Channel    `json:"channel" bson:"channel"`
	Recipient       string     `json:"recipient" bson:"recipient"`
	WindowOpensAt   time.Time  `json:"window_opens_at" bson:"window_opens_at"`
	WindowExpiresAt time.Time  `json:"window_expires_at" bson:"window_expires_at"`
	LastInboundAt   time.Time  `json:"last_inbound_at" bson:"last_inbound_at"`
	LastOutboundAt  *time.Time `json:"last_outbound_at,omitempty" bson:"last_outbound_at,omitempty"`
}

// IsOpen reports whether free-form messages may be sent at now.
func (w *SessionWindow) IsOpen(now time.Time) bool {
	return w != nil && now.Before(w.WindowExpiresAt)
}

// SessionRepository persists session windows keyed by (tenant, channel, recipient).
type SessionRepository interface {
	// Get returns ErrNotFound when no inbound message was ever recorded.
	Get(ctx context.Context, tenantID string, channel Channel, recipient string) (*SessionWindow, error)
	// RecordInbound opens or extends the window to at+window. It never shortens it.
	RecordInbound(ctx context.Context, tenantID string, channel Channel, recipient string, at time.Time, window time.Duration) (*SessionWindow, error)
	// RecordOutbound stamps LastOutboundAt on an existing window and never creates one.
	RecordOutbound(ctx context.Context, tenantID string, channel Channel, recipient string, at time.Time) error
}
