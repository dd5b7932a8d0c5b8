package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-outbound/pkg/logging"
	"github.com/zoff-tech/go-outbound/pkg/store"
)

// ErrorCodeWindowClosed is recorded on messages rejected because the window expired.
const ErrorCodeWindowClosed = "SESSION_WINDOW_CLOSED"

// DefaultWindow is the customer-initiated messaging window of WhatsApp.
const DefaultWindow = 24 * time.Hour

// Enforced reports whether channel restricts free-form messages to an open session window.
func Enforced(channel store.Channel) bool {
	return channel == store.ChannelWhatsApp
}

// Status is a stored window evaluated at a point in time.
type Status struct {
	store.SessionWindow
	Open      bool          `json:"open"`
	Remaining time.Duration `json:"remaining"`
}

// Tracker answers whether a recipient may receive free-form messages.
type Tracker struct {
	repo   store.SessionRepository
	window time.Duration
	logger *zap.Logger
}

func NewTracker(repo store.SessionRepository, window time.Duration, logger *zap.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{repo: repo, window: window, logger: logging.OrNop(logger)}
}

// CanSendFreeform is always true for channels without session semantics.
func (t *Tracker) CanSendFreeform(ctx context.Context, tenantID string, channel store.Channel, recipient string, now time.Time) (bool, error) {
	if !Enforced(channel) {
		return true, nil
	}
	w, err := t.repo.Get(ctx, tenantID, channel, recipient)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load session window: %w", err)
	}
	return w.IsOpen(now), nil
}

func (t *Tracker) RequiresTemplate(ctx context.Context, tenantID string, channel store.Channel, recipient string, now time.Time) (bool, error) {
	ok, err := t.CanSendFreeform(ctx, tenantID, channel, recipient, now)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Eligible reports whether msg may be sent at now. Template messages are always eligible.
func (t *Tracker) Eligible(ctx context.Context, msg *store.OutboundMessage, now time.Time) (bool, error) {
	if msg.TemplateCode != "" {
		return true, nil
	}
	return t.CanSendFreeform(ctx, msg.TenantID, msg.Channel, msg.Recipient, now)
}

// RecordInbound opens or extends the window of recipient to now plus the window duration.
func (t *Tracker) RecordInbound(ctx context.Context, tenantID string, channel store.Channel, recipient string, now time.Time) (*store.SessionWindow, error) {
	w, err := t.repo.RecordInbound(ctx, tenantID, channel, recipient, now, t.window)
	if err != nil {
		return nil, fmt.Errorf("record inbound: %w", err)
	}
	logging.WithTrace(ctx, t.logger).Debug("session window extended",
		zap.String("tenant_id", tenantID),
		zap.String("channel", string(channel)),
		zap.Time("expires_at", w.WindowExpiresAt))
	return w, nil
}

// RecordOutbound stamps the last outbound time. It never opens a window.
func (t *Tracker) RecordOutbound(ctx context.Context, tenantID string, channel store.Channel, recipient string, now time.Time) error {
	if err := t.repo.RecordOutbound(ctx, tenantID, channel, recipient, now); err != nil {
		return fmt.Errorf("record outbound: %w", err)
	}
	return nil
}

// Window returns store.ErrNotFound when the recipient never wrote in.
func (t *Tracker) Window(ctx context.Context, tenantID string, channel store.Channel, recipient string, now time.Time) (*Status, error) {
	w, err := t.repo.Get(ctx, tenantID, channel, recipient)
	if err != nil {
		return nil, err
	}
	s := &Status{SessionWindow: *w, Open: w.IsOpen(now)}
	if s.Open {
		s.Remaining = w.WindowExpiresAt.Sub(now)
	}
	return s, nil
}
