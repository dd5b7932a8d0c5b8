// Package outbound is the caller-facing side of the delivery engine: enqueue,
// lookup, operator actions and inbound ingestion.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-outbound/pkg/idempotency"
	"github.com/zoff-tech/go-outbound/pkg/logging"
	"github.com/zoff-tech/go-outbound/pkg/quota"
	"github.com/zoff-tech/go-outbound/pkg/session"
	"github.com/zoff-tech/go-outbound/pkg/store"
)

// Reserver deduplicates enqueue calls by idempotency key.
type Reserver interface {
	Lookup(ctx context.Context, tenantID, key string) (*store.OutboundMessage, error)
	Reserve(ctx context.Context, msg *store.OutboundMessage) (idempotency.Reservation, error)
}

// QuotaGate consumes tenant quota at enqueue.
type QuotaGate interface {
	TryConsume(ctx context.Context, tenantID string, ch store.Channel, now time.Time) (quota.Decision, error)
}

// WindowTracker answers session-window questions and ingests inbound traffic.
type WindowTracker interface {
	CanSendFreeform(ctx context.Context, tenantID string, ch store.Channel, recipient string, now time.Time) (bool, error)
	RecordInbound(ctx context.Context, tenantID string, ch store.Channel, recipient string, now time.Time) (*store.SessionWindow, error)
	Window(ctx context.Context, tenantID string, ch store.Channel, recipient string, now time.Time) (*session.Status, error)
}

// EventPublisher announces status changes.
type EventPublisher interface {
	PublishStatusChange(ctx context.Context, msg *store.OutboundMessage, previous store.Status) error
}

// Result of an enqueue. Created is false when an earlier call with the same
// idempotency key already created Message.
type Result struct {
	Message *store.OutboundMessage
	Created bool
}

type Service struct {
	repo        store.MessageRepository
	guard       Reserver
	quota       QuotaGate
	sessions    WindowTracker
	events      EventPublisher
	maxAttempts int
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

type Option func(*Service)

func WithQuota(q QuotaGate) Option {
	return func(s *Service) { s.quota = q }
}

func WithSessions(t WindowTracker) Option {
	return func(s *Service) { s.sessions = t }
}

func WithEventPublisher(e EventPublisher) Option {
	return func(s *Service) { s.events = e }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the service. maxAttempts applies to requests that do not set their own.
func NewService(repo store.MessageRepository, guard Reserver, maxAttempts int, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		guard:       guard,
		maxAttempts: maxAttempts,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("go-outbound"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue validates req and persists it as QUEUED. A repeated idempotency key
// returns the original message without consuming quota. Refusals are
// *RejectionError and leave nothing behind.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "EnqueueMessage", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("message.channel", req.Channel),
	))
	defer span.End()

	n, err := normalize(&req)
	if err != nil {
		return nil, err
	}
	log := logging.WithTrace(ctx, s.logger).With(
		zap.String("tenant_id", req.TenantID),
		zap.String("channel", string(n.channel)),
	)

	existing, err := s.guard.Lookup(ctx, req.TenantID, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Info("duplicate enqueue", zap.String("message_id", existing.ID), zap.String("idempotency_key", req.IdempotencyKey))
		return &Result{Message: existing}, nil
	}

	now := s.now()
	if s.sessions != nil && session.Enforced(n.channel) && req.TemplateCode == "" {
		open, err := s.sessions.CanSendFreeform(ctx, req.TenantID, n.channel, n.recipient, now)
		if err != nil {
			return nil, err
		}
		if !open {
			log.Info("enqueue rejected, session window closed")
			return nil, &RejectionError{
				Reason:  ReasonSessionWindowClosed,
				Message: "recipient has no open session window; a template is required",
			}
		}
	}

	if s.quota != nil {
		d, err := s.quota.TryConsume(ctx, req.TenantID, n.channel, now)
		if err != nil {
			return nil, err
		}
		if !d.Allowed {
			log.Info("enqueue rejected by quota", zap.String("reason", d.Reason), zap.Duration("retry_after", d.RetryAfter))
			return nil, &RejectionError{Reason: d.Reason, Message: "tenant quota exhausted", RetryAfter: d.RetryAfter}
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.maxAttempts
	}
	msg := store.NewOutboundMessage(req.TenantID, n.channel, n.recipient, maxAttempts, now)
	msg.IdempotencyKey = req.IdempotencyKey
	msg.DossierID = req.DossierID
	msg.TemplateCode = req.TemplateCode
	msg.Subject = req.Subject
	msg.Category = n.category
	if req.Payload != nil {
		msg.Payload = req.Payload
	}

	res, err := s.guard.Reserve(ctx, msg)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("message.id", res.Message.ID), attribute.Bool("idempotency.created", res.Created))
	if !res.Created {
		log.Info("duplicate enqueue resolved by store", zap.String("message_id", res.Message.ID))
		return &Result{Message: res.Message}, nil
	}

	log.Info("message queued", zap.String("message_id", res.Message.ID))
	s.publish(ctx, res.Message, "", log)
	return &Result{Message: res.Message, Created: true}, nil
}

// Get returns a message of tenantID. Messages of other tenants are not found.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*store.OutboundMessage, error) {
	msg, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return msg, nil
}

// Attempts returns the audit trail of a message of tenantID.
func (s *Service) Attempts(ctx context.Context, tenantID, id string) ([]store.Attempt, error) {
	if _, err := s.Get(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.repo.Attempts(ctx, id)
}

// Cancel stops a message that no worker has claimed yet.
func (s *Service) Cancel(ctx context.Context, tenantID, id, actor string) (*store.OutboundMessage, error) {
	msg, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if msg.Status != store.StatusQueued {
		return nil, fmt.Errorf("%w: cannot cancel a %s message", ErrInvalidState, msg.Status)
	}
	now := s.now()
	t := store.Transition{
		MessageID:    msg.ID,
		From:         store.StatusQueued,
		To:           store.StatusCancelled,
		AttemptCount: msg.AttemptCount,
		ErrorCode:    msg.ErrorCode,
		ErrorMessage: msg.ErrorMessage,
		At:           now,
		Attempt: &store.Attempt{
			Number:    msg.AttemptCount,
			Outcome:   store.OutcomeCancelled,
			Actor:     actor,
			CreatedAt: now,
		},
	}
	return s.operate(ctx, msg, t, "message cancelled")
}

// Requeue starts a fresh attempt cycle for a dead-lettered message.
func (s *Service) Requeue(ctx context.Context, tenantID, id, actor string) (*store.OutboundMessage, error) {
	msg, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if msg.Status != store.StatusDeadLetter {
		return nil, fmt.Errorf("%w: only dead-lettered messages can be requeued, message is %s", ErrInvalidState, msg.Status)
	}
	now := s.now()
	t := store.Transition{
		MessageID:    msg.ID,
		From:         store.StatusDeadLetter,
		To:           store.StatusQueued,
		AttemptCount: 0,
		At:           now,
		Attempt: &store.Attempt{
			Number:       msg.AttemptCount,
			Outcome:      store.OutcomeRequeued,
			ErrorCode:    msg.ErrorCode,
			ErrorMessage: msg.ErrorMessage,
			Actor:        actor,
			CreatedAt:    now,
		},
	}
	return s.operate(ctx, msg, t, "message requeued")
}

func (s *Service) operate(ctx context.Context, msg *store.OutboundMessage, t store.Transition, done string) (*store.OutboundMessage, error) {
	log := logging.WithTrace(ctx, s.logger).With(
		zap.String("message_id", msg.ID),
		zap.String("tenant_id", msg.TenantID),
		zap.String("channel", string(msg.Channel)),
		zap.String("actor", t.Attempt.Actor),
	)
	if err := s.repo.Transition(ctx, t); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: message moved on concurrently", ErrInvalidState)
		}
		return nil, err
	}
	updated, err := s.repo.Get(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	log.Info(done, zap.String("previous_status", string(t.From)))
	s.publish(ctx, updated, t.From, log)
	return updated, nil
}

// RecordInbound notes a customer-initiated message, opening or extending the
// recipient's session window.
func (s *Service) RecordInbound(ctx context.Context, tenantID, channel, recipient string, at time.Time) (*session.Status, error) {
	if tenantID == "" {
		return nil, invalid("tenant is required")
	}
	ch, err := store.ParseChannel(channel)
	if err != nil {
		return nil, invalid("%v", err)
	}
	addr, err := NormalizeRecipient(ch, recipient)
	if err != nil {
		return nil, err
	}
	if s.sessions == nil {
		return nil, errors.New("session tracking is not configured")
	}
	now := s.now()
	if at.IsZero() || at.After(now) {
		at = now
	}
	if _, err := s.sessions.RecordInbound(ctx, tenantID, ch, addr, at); err != nil {
		return nil, err
	}
	return s.sessions.Window(ctx, tenantID, ch, addr, now)
}

func (s *Service) publish(ctx context.Context, msg *store.OutboundMessage, previous store.Status, log *zap.Logger) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishStatusChange(ctx, msg, previous); err != nil {
		log.Error("failed to publish status event", zap.Error(err))
	}
}
