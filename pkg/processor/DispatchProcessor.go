package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-outbound/pkg/channel"
	"github.com/zoff-tech/go-outbound/pkg/config"
	"github.com/zoff-tech/go-outbound/pkg/logging"
	"github.com/zoff-tech/go-outbound/pkg/metrics"
	"github.com/zoff-tech/go-outbound/pkg/quota"
	"github.com/zoff-tech/go-outbound/pkg/session"
	"github.com/zoff-tech/go-outbound/pkg/store"
)

const actor = "dispatcher"

// CodeWorkerError marks an attempt that failed inside the worker rather than at the provider.
const CodeWorkerError = "WORKER_ERROR"

// Outcomes reported to metrics besides the attempt outcomes.
const (
	outcomeReleased   = "RELEASED"
	outcomeSuperseded = "SUPERSEDED"
)

// SenderLookup resolves the collaborator of a channel.
type SenderLookup interface {
	Lookup(ch store.Channel) (channel.Sender, bool)
}

// SessionChecker gates free-form messages on the recipient's session window.
type SessionChecker interface {
	Eligible(ctx context.Context, msg *store.OutboundMessage, now time.Time) (bool, error)
	RecordOutbound(ctx context.Context, tenantID string, ch store.Channel, recipient string, now time.Time) error
}

// ThrottleGate reads and sets provider throttle markers.
type ThrottleGate interface {
	CheckThrottle(ctx context.Context, tenantID string, ch store.Channel, now time.Time) (quota.Decision, error)
	Throttle(ctx context.Context, tenantID string, ch store.Channel, retryAfter time.Duration, now time.Time) error
}

// EventPublisher announces status changes.
type EventPublisher interface {
	PublishStatusChange(ctx context.Context, msg *store.OutboundMessage, previous store.Status) error
}

// DispatchProcessor claims due messages and drives each through one send attempt.
type DispatchProcessor struct {
	repo     store.MessageRepository
	senders  SenderLookup
	retry    *RetryPolicy
	sessions SessionChecker
	quota    ThrottleGate
	soft     *quota.SoftLimiter
	events   EventPublisher
	metrics  *metrics.Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time

	workers      int
	pollInterval time.Duration
	sendTimeout  time.Duration
	staleAfter   time.Duration
}

type Option func(*DispatchProcessor)

func WithSessionChecker(s SessionChecker) Option {
	return func(p *DispatchProcessor) { p.sessions = s }
}

func WithThrottleGate(q ThrottleGate) Option {
	return func(p *DispatchProcessor) { p.quota = q }
}

func WithSoftLimiter(s *quota.SoftLimiter) Option {
	return func(p *DispatchProcessor) { p.soft = s }
}

func WithEventPublisher(e EventPublisher) Option {
	return func(p *DispatchProcessor) { p.events = e }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(p *DispatchProcessor) { p.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *DispatchProcessor) { p.logger = logging.OrNop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(p *DispatchProcessor) { p.now = now }
}

func WithRetryPolicy(r *RetryPolicy) Option {
	return func(p *DispatchProcessor) { p.retry = r }
}

// NewDispatchProcessor creates a new instance of DispatchProcessor.
func NewDispatchProcessor(repo store.MessageRepository, senders SenderLookup, cfg config.DispatchSettings, opts ...Option) *DispatchProcessor {
	p := &DispatchProcessor{
		repo:         repo,
		senders:      senders,
		retry:        NewRetryPolicy(cfg),
		logger:       zap.NewNop(),
		tracer:       otel.Tracer("go-outbound"),
		now:          time.Now,
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		sendTimeout:  cfg.SendTimeout,
		staleAfter:   cfg.StaleAfter,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the workers and the stale-claim recovery loop and blocks until ctx is done.
func (p *DispatchProcessor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			p.work(ctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		p.recoverLoop(ctx)
		return nil
	})
	p.logger.Info("dispatch workers started", zap.Int("workers", p.workers))
	return g.Wait()
}

func (p *DispatchProcessor) work(ctx context.Context, worker int) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		processed, err := p.DispatchOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("dispatch failed", zap.Int("worker", worker), zap.Error(err))
		}
		if processed && err == nil {
			timer.Reset(0)
		} else {
			timer.Reset(p.pollInterval)
		}
	}
}

func (p *DispatchProcessor) recoverLoop(ctx context.Context) {
	interval := p.staleAfter / 2
	if interval < p.pollInterval {
		interval = p.pollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RecoverStale(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("stale claim recovery failed", zap.Error(err))
			}
		}
	}
}

// RecoverStale returns messages whose claim outlived the stale threshold to QUEUED.
// No attempt is consumed.
func (p *DispatchProcessor) RecoverStale(ctx context.Context) (int64, error) {
	now := p.now()
	n, err := p.repo.RecoverStale(ctx, now.Add(-p.staleAfter), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Warn("recovered stale claims", zap.Int64("count", n), zap.Duration("stale_after", p.staleAfter))
	}
	return n, nil
}

// DispatchOnce claims at most one due message and processes it. It reports
// whether a message was claimed.
func (p *DispatchProcessor) DispatchOnce(ctx context.Context) (bool, error) {
	claimed, err := p.repo.ClaimDue(ctx, p.now(), 1)
	if err != nil {
		return false, err
	}
	if len(claimed) == 0 {
		return false, nil
	}
	msg := claimed[0]
	return true, p.process(ctx, &msg)
}

func (p *DispatchProcessor) process(ctx context.Context, msg *store.OutboundMessage) error {
	ctx, span := p.tracer.Start(ctx, "DispatchMessage", trace.WithAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.channel", string(msg.Channel)),
		attribute.String("tenant.id", msg.TenantID),
		attribute.Int("message.attempt_count", msg.AttemptCount),
	))
	defer span.End()

	log := logging.WithTrace(ctx, p.logger).With(
		zap.String("message_id", msg.ID),
		zap.String("tenant_id", msg.TenantID),
		zap.String("channel", string(msg.Channel)),
	)
	now := p.now()

	if p.sessions != nil {
		ok, err := p.sessions.Eligible(ctx, msg, now)
		if err != nil {
			span.RecordError(err)
			log.Error("session window lookup failed", zap.Error(err))
			return p.release(ctx, msg, p.retry.Delay(1), "session lookup failed", log)
		}
		if !ok {
			return p.reject(ctx, msg, session.ErrorCodeWindowClosed, "session window closed and no template designated", log)
		}
	}

	if p.quota != nil {
		d, err := p.quota.CheckThrottle(ctx, msg.TenantID, msg.Channel, now)
		if err != nil {
			span.RecordError(err)
			return p.release(ctx, msg, p.retry.Delay(1), "throttle lookup failed", log)
		}
		if !d.Allowed {
			p.metrics.Throttled(string(msg.Channel))
			return p.release(ctx, msg, d.RetryAfter, d.Reason, log)
		}
	}
	if ok, wait := p.soft.Allow(msg.TenantID, msg.Channel, now); !ok {
		p.metrics.Throttled(string(msg.Channel))
		return p.release(ctx, msg, wait, "soft rate limit", log)
	}

	sender, ok := p.senders.Lookup(msg.Channel)
	if !ok {
		return p.fail(ctx, msg, channel.Permanent(channel.CodeNoProvider, "no sender registered for "+string(msg.Channel)), 0, log)
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	start := time.Now()
	res, err := safeSend(sendCtx, sender, channel.NewSendRequest(msg))
	elapsed := time.Since(start)
	cancel()

	// The attempt happened; record its outcome even if the pool is shutting down.
	persistCtx := context.WithoutCancel(ctx)
	if err != nil {
		se := channel.Classify(err)
		span.SetStatus(codes.Error, se.Error())
		return p.fail(persistCtx, msg, se, elapsed, log)
	}
	return p.succeed(persistCtx, msg, res, elapsed, log)
}

// safeSend turns a panicking sender into a retryable WORKER_ERROR.
func safeSend(ctx context.Context, sender channel.Sender, req channel.SendRequest) (res channel.SendResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = channel.Retryable(CodeWorkerError, fmt.Sprintf("sender panicked: %v", r))
		}
	}()
	return sender.Send(ctx, req)
}

// release hands the claim back without consuming an attempt.
func (p *DispatchProcessor) release(ctx context.Context, msg *store.OutboundMessage, delay time.Duration, reason string, log *zap.Logger) error {
	now := p.now()
	next := now.Add(delay)
	err := p.repo.Transition(ctx, store.Transition{
		MessageID:    msg.ID,
		From:         store.StatusSending,
		To:           store.StatusQueued,
		AttemptCount: msg.AttemptCount,
		NextRetryAt:  &next,
		ErrorCode:    msg.ErrorCode,
		ErrorMessage: msg.ErrorMessage,
		At:           now,
	})
	if err != nil {
		return p.superseded(err, log)
	}
	p.metrics.DispatchAttempt(string(msg.Channel), outcomeReleased)
	log.Info("claim released", zap.String("reason", reason), zap.Time("next_retry_at", next))
	return nil
}

// reject dead-letters a message that was never eligible to be sent.
func (p *DispatchProcessor) reject(ctx context.Context, msg *store.OutboundMessage, code, message string, log *zap.Logger) error {
	now := p.now()
	t := store.Transition{
		MessageID:    msg.ID,
		From:         store.StatusSending,
		To:           store.StatusDeadLetter,
		AttemptCount: msg.AttemptCount,
		ErrorCode:    code,
		ErrorMessage: message,
		At:           now,
		Attempt: &store.Attempt{
			Number:       msg.AttemptCount,
			Outcome:      store.OutcomeRejected,
			ErrorCode:    code,
			ErrorMessage: message,
			Actor:        actor,
			CreatedAt:    now,
		},
	}
	if err := p.repo.Transition(ctx, t); err != nil {
		return p.superseded(err, log)
	}
	p.metrics.DispatchAttempt(string(msg.Channel), string(store.OutcomeRejected))
	p.metrics.DeadLettered(string(msg.Channel))
	log.Warn("message rejected before send", zap.String("error_code", code))
	p.publish(ctx, msg, t, log)
	return nil
}

func (p *DispatchProcessor) fail(ctx context.Context, msg *store.OutboundMessage, se *channel.SendError, elapsed time.Duration, log *zap.Logger) error {
	now := p.now()
	attempts := msg.AttemptCount + 1

	if se.RateLimited && p.quota != nil {
		p.metrics.Throttled(string(msg.Channel))
		if err := p.quota.Throttle(ctx, msg.TenantID, msg.Channel, se.RetryAfter, now); err != nil {
			log.Error("failed to set throttle marker", zap.Error(err))
		}
	}

	outcome := store.OutcomeFailedPermanent
	if se.Retryable {
		outcome = store.OutcomeFailedRetryable
	}
	t := store.Transition{
		MessageID:    msg.ID,
		From:         store.StatusSending,
		To:           store.StatusDeadLetter,
		AttemptCount: attempts,
		ErrorCode:    se.Code,
		ErrorMessage: se.Message,
		At:           now,
		Attempt: &store.Attempt{
			Number:       attempts,
			Outcome:      outcome,
			ErrorCode:    se.Code,
			ErrorMessage: se.Message,
			Actor:        actor,
			Duration:     elapsed,
			CreatedAt:    now,
		},
	}
	if se.Retryable && attempts < msg.MaxAttempts {
		delay := p.retry.Delay(attempts)
		if se.RetryAfter > delay {
			delay = se.RetryAfter
		}
		next := now.Add(delay)
		t.To = store.StatusQueued
		t.NextRetryAt = &next
	}

	if err := p.repo.Transition(ctx, t); err != nil {
		return p.superseded(err, log)
	}
	p.metrics.DispatchAttempt(string(msg.Channel), string(outcome))

	fields := []zap.Field{
		zap.Int("attempt", attempts),
		zap.String("error_code", se.Code),
		zap.String("error_message", se.Message),
	}
	if t.To == store.StatusDeadLetter {
		p.metrics.DeadLettered(string(msg.Channel))
		log.Warn("message dead-lettered", fields...)
	} else {
		log.Info("send failed, retry scheduled", append(fields, zap.Time("next_retry_at", *t.NextRetryAt))...)
	}
	p.publish(ctx, msg, t, log)
	return nil
}

func (p *DispatchProcessor) succeed(ctx context.Context, msg *store.OutboundMessage, res channel.SendResult, elapsed time.Duration, log *zap.Logger) error {
	now := p.now()
	attempts := msg.AttemptCount + 1
	t := store.Transition{
		MessageID:         msg.ID,
		From:              store.StatusSending,
		To:                store.StatusSent,
		AttemptCount:      attempts,
		ProviderMessageID: res.ProviderMessageID,
		At:                now,
		Attempt: &store.Attempt{
			Number:    attempts,
			Outcome:   store.OutcomeSent,
			Actor:     actor,
			Duration:  elapsed,
			CreatedAt: now,
		},
	}
	err := p.repo.Transition(ctx, t)
	if errors.Is(err, store.ErrConflict) {
		// The claim was recovered or advanced meanwhile. The provider accepted
		// the message, so move it forward without regressing a later status
		// and still audit the send.
		applied, advErr := p.repo.AdvanceStatus(ctx, store.Advance{
			MessageID:         msg.ID,
			To:                store.StatusSent,
			ProviderMessageID: res.ProviderMessageID,
			At:                now,
			Attempt:           t.Attempt,
		})
		if advErr != nil {
			return advErr
		}
		log.Info("send succeeded after a concurrent update", zap.Bool("advanced", applied))
	} else if err != nil {
		return err
	}

	p.metrics.DispatchAttempt(string(msg.Channel), string(store.OutcomeSent))
	p.metrics.DeliveryLatency(string(msg.Channel), now.Sub(msg.CreatedAt))
	if p.sessions != nil && session.Enforced(msg.Channel) {
		if err := p.sessions.RecordOutbound(ctx, msg.TenantID, msg.Channel, msg.Recipient, now); err != nil {
			log.Error("failed to record outbound on session window", zap.Error(err))
		}
	}
	log.Info("message sent", zap.String("provider_message_id", res.ProviderMessageID), zap.Int("attempt", attempts))
	p.publish(ctx, msg, t, log)
	return nil
}

// superseded swallows a lost compare-and-swap: someone else moved the message first.
func (p *DispatchProcessor) superseded(err error, log *zap.Logger) error {
	if errors.Is(err, store.ErrConflict) {
		log.Info("attempt outcome superseded by a concurrent update")
		return nil
	}
	return err
}

func (p *DispatchProcessor) publish(ctx context.Context, msg *store.OutboundMessage, t store.Transition, log *zap.Logger) {
	if p.events == nil {
		return
	}
	after := *msg
	after.Status = t.To
	after.AttemptCount = t.AttemptCount
	after.NextRetryAt = t.NextRetryAt
	after.ErrorCode, after.ErrorMessage = t.ErrorCode, t.ErrorMessage
	if t.ProviderMessageID != "" {
		after.ProviderMessageID = t.ProviderMessageID
	}
	after.UpdatedAt = t.At
	if err := p.events.PublishStatusChange(ctx, &after, t.From); err != nil {
		log.Error("failed to publish status event", zap.Error(err))
	}
}
