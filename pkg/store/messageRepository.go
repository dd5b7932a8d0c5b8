package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update found the record in an unexpected state.
	ErrConflict = errors.New("conditional update lost")
	// ErrInvalidTransition is returned for a transition the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Transition is a compare-and-swap on a message's status. The update applies
// only while the stored status equals From; Attempt, when set, is written in
// the same transaction.
type Transition struct {
	MessageID         string
	From              Status
	To                Status
	AttemptCount      int
	NextRetryAt       *time.Time
	ProviderMessageID string
	ErrorCode         string
	ErrorMessage      string
	At                time.Time
	Attempt           *Attempt
}

// Advance is a forward-only status update driven by provider callbacks.
type Advance struct {
	MessageID         string
	To                Status
	ProviderMessageID string
	ErrorCode         string
	ErrorMessage      string
	At                time.Time
	// Attempt, when set, counts one more send attempt and audits it whether or
	// not the status moved. Its Number is assigned from the stored count.
	Attempt *Attempt
}

// MessageRepository persists outbound messages and their attempt audit trail.
type MessageRepository interface {
	// Create inserts msg. When the tenant already used msg.IdempotencyKey the
	// stored message is returned with created=false and nothing is written.
	Create(ctx context.Context, msg *OutboundMessage) (stored *OutboundMessage, created bool, err error)
	// Get returns a message by id.
	Get(ctx context.Context, id string) (*OutboundMessage, error)
	// FindByIdempotencyKey returns the message a tenant created with key.
	FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*OutboundMessage, error)
	// FindByProviderMessageID returns the message the provider knows as providerMessageID.
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*OutboundMessage, error)
	// ClaimDue atomically moves up to limit due QUEUED messages to SENDING and returns them.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]OutboundMessage, error)
	// Transition applies a compare-and-swap status change. ErrConflict if From no longer holds.
	Transition(ctx context.Context, t Transition) error
	// AdvanceStatus applies t.To only from a status that may precede it; false when nothing changed.
	AdvanceStatus(ctx context.Context, a Advance) (bool, error)
	// RecoverStale returns SENDING messages claimed before olderThan to QUEUED.
	RecoverStale(ctx context.Context, olderThan, now time.Time) (int64, error)
	// Attempts lists the audit trail of a message, oldest first.
	Attempts(ctx context.Context, messageID string) ([]Attempt, error)
}

// CountFilter scopes aggregate reads. Zero times leave the range open and an
// empty TenantID spans every tenant.
type CountFilter struct {
	Statuses []Status
	Since    time.Time
	Until    time.Time
	TenantID string
}

// LatencySample is the time from creation to the last success timestamp.
type LatencySample struct {
	Channel Channel
	Seconds float64
}

// TrendPoint is one day of terminal outcomes.
type TrendPoint struct {
	Day      time.Time `json:"day"`
	Failures int64     `json:"failures"`
	Total    int64     `json:"total"`
}

// CategoryCount counts messages a provider accepted, by channel and category.
type CategoryCount struct {
	Channel  Channel
	Category string
	Count    int64
}

// MetricsReader is the read-only aggregate surface over outbound_messages.
type MetricsReader interface {
	CountByChannel(ctx context.Context, f CountFilter) (map[Channel]int64, error)
	CountByErrorCode(ctx context.Context, f CountFilter) (map[string]int64, error)
	LatencySamples(ctx context.Context, since, until time.Time) ([]LatencySample, error)
	FailureTrend(ctx context.Context, since, until time.Time) ([]TrendPoint, error)
	RecentDeadLetters(ctx context.Context, limit int) ([]OutboundMessage, error)
	CountSentByCategory(ctx context.Context, tenantID string, since time.Time) ([]CategoryCount, error)
}
