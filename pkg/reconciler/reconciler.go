// Package reconciler applies asynchronous provider delivery callbacks to
// message state. Transitions only ever move forward; anything else is
// acknowledged and dropped.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-outbound/pkg/logging"
	"github.com/zoff-tech/go-outbound/pkg/metrics"
	"github.com/zoff-tech/go-outbound/pkg/store"
)

// Outcome tells what a callback did to the message.
type Outcome string

const (
	OutcomeApplied        Outcome = "APPLIED"
	OutcomeDuplicate      Outcome = "DUPLICATE"
	OutcomeStale          Outcome = "STALE"
	OutcomeUnknownMessage Outcome = "UNKNOWN_MESSAGE"
	OutcomeIgnored        Outcome = "IGNORED"
)

// CodeDeliveryFailed is stored when a failure callback carries no error code.
const CodeDeliveryFailed = "DELIVERY_FAILED"

// EventPublisher announces status changes.
type EventPublisher interface {
	PublishStatusChange(ctx context.Context, msg *store.OutboundMessage, previous store.Status) error
}

type Reconciler struct {
	repo    store.MessageRepository
	events  EventPublisher
	metrics *metrics.Recorder
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Reconciler)

func WithEventPublisher(e EventPublisher) Option {
	return func(r *Reconciler) { r.events = e }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = logging.OrNop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(repo store.MessageRepository, opts ...Option) *Reconciler {
	r := &Reconciler{
		repo:   repo,
		logger: zap.NewNop(),
		tracer: otel.Tracer("go-outbound"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply reconciles one callback. Only storage failures are returned as errors;
// every other anomaly is reported through the outcome.
func (r *Reconciler) Apply(ctx context.Context, cb Callback) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "ReconcileCallback", trace.WithAttributes(
		attribute.String("provider", cb.Provider),
		attribute.String("provider.message_id", cb.ProviderMessageID),
		attribute.String("provider.status", cb.Status),
	))
	defer span.End()

	outcome, err := r.apply(ctx, cb)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("reconcile.outcome", string(outcome)))
	r.metrics.Callback(cb.Provider, string(outcome))
	return outcome, nil
}

func (r *Reconciler) apply(ctx context.Context, cb Callback) (Outcome, error) {
	log := logging.WithTrace(ctx, r.logger).With(
		zap.String("provider", cb.Provider),
		zap.String("provider_message_id", cb.ProviderMessageID),
		zap.String("provider_status", cb.Status),
	)

	target, known := Normalize(cb.Provider, cb.Status)
	if !known {
		log.Warn("unrecognised provider status, callback dropped")
		return OutcomeIgnored, nil
	}
	if target == "" {
		log.Debug("intermediate provider status ignored")
		return OutcomeIgnored, nil
	}
	if cb.ProviderMessageID == "" {
		log.Warn("callback without provider message id dropped")
		return OutcomeUnknownMessage, nil
	}

	msg, err := r.repo.FindByProviderMessageID(ctx, cb.ProviderMessageID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("callback for unknown message dropped")
		return OutcomeUnknownMessage, nil
	}
	if err != nil {
		return "", fmt.Errorf("find message by provider id: %w", err)
	}
	log = log.With(
		zap.String("message_id", msg.ID),
		zap.String("tenant_id", msg.TenantID),
		zap.String("channel", string(msg.Channel)),
		zap.String("current_status", string(msg.Status)),
		zap.String("target_status", string(target)),
	)

	if msg.Status == target {
		log.Debug("duplicate callback")
		return OutcomeDuplicate, nil
	}
	if !r.advances(msg.Status, target) {
		log.Info("stale callback discarded")
		return OutcomeStale, nil
	}

	at := cb.Timestamp
	if at.IsZero() {
		at = r.now()
	}
	adv := store.Advance{MessageID: msg.ID, To: target, At: at}
	if target == store.StatusDeadLetter {
		adv.ErrorCode = cb.ErrorCode
		if adv.ErrorCode == "" {
			adv.ErrorCode = CodeDeliveryFailed
		}
		adv.ErrorMessage = cb.ErrorMessage
	}
	applied, err := r.repo.AdvanceStatus(ctx, adv)
	if err != nil {
		return "", fmt.Errorf("advance status: %w", err)
	}
	if !applied {
		// Lost to a concurrent transition; whatever won is at least as advanced.
		log.Info("callback superseded by a concurrent update")
		return OutcomeStale, nil
	}

	previous := msg.Status
	msg.Status = target
	msg.UpdatedAt = at
	msg.NextRetryAt = nil
	if target == store.StatusDeadLetter {
		msg.ErrorCode, msg.ErrorMessage = adv.ErrorCode, adv.ErrorMessage
		r.metrics.DeadLettered(string(msg.Channel))
		log.Warn("message dead-lettered by provider callback", zap.String("error_code", adv.ErrorCode))
	} else {
		log.Info("delivery status applied")
	}
	if r.events != nil {
		if err := r.events.PublishStatusChange(ctx, msg, previous); err != nil {
			log.Error("failed to publish status event", zap.Error(err))
		}
	}
	return OutcomeApplied, nil
}

// advances reports whether a callback moving current to target is forward progress.
// Success after a terminal state is discarded; a provider failure only applies
// to a message the provider may still be holding.
func (r *Reconciler) advances(current, target store.Status) bool {
	if current.IsTerminal() {
		return false
	}
	if target == store.StatusDeadLetter {
		return current == store.StatusSending || current == store.StatusSent
	}
	return current.Rank() < target.Rank()
}
