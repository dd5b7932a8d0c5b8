package quota

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
	"github.com/zoff-tech/go-outbound/pkg/store"
)

// ErrThrottled is returned by Enforce when a decision denies the request.
var ErrThrottled = errors.New("tenant throttled")

// Rejection reasons reported in a Decision.
const (
	ReasonQuotaExceeded = "QUOTA_EXCEEDED"
	ReasonThrottled     = "THROTTLED"
)

// DefaultThrottleBackoff applies when a provider signals a rate limit without a Retry-After.
const DefaultThrottleBackoff = 5 * time.Minute

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
	Usage      store.QuotaUsage
}

// Manager gates enqueue on per-tenant period quotas and provider throttle markers.
type Manager struct {
	repo     store.QuotaRepository
	tiers    TierResolver
	throttle Throttler
	costs    *CostProjector
	backoff  time.Duration
	logger   *zap.Logger
	tracer   trace.Tracer
}

type Option func(*Manager)

func WithThrottler(t Throttler) Option {
	return func(m *Manager) { m.throttle = t }
}

func WithCostProjector(p *CostProjector) Option {
	return func(m *Manager) { m.costs = p }
}

func WithThrottleBackoff(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.backoff = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

func NewManager(repo store.QuotaRepository, tiers TierResolver, opts ...Option) *Manager {
	m := &Manager{
		repo:     repo,
		tiers:    tiers,
		throttle: NewLocalThrottle(),
		backoff:  DefaultThrottleBackoff,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("go-outbound"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) bucket(ctx context.Context, tenantID string, now time.Time) (store.QuotaUsage, error) {
	tier, err := m.tiers.TierFor(ctx, tenantID)
	if err != nil {
		return store.QuotaUsage{}, fmt.Errorf("resolve tier: %w", err)
	}
	start, reset := tier.Period.Bucket(now)
	return store.QuotaUsage{
		TenantID:    tenantID,
		Period:      tier.Period,
		BucketStart: start,
		Limit:       tier.Limit,
		ResetAt:     reset,
	}, nil
}

// CheckThrottle reports a throttle marker for the pair without consuming quota.
func (m *Manager) CheckThrottle(ctx context.Context, tenantID string, channel store.Channel, now time.Time) (Decision, error) {
	until, throttled, err := m.throttle.ThrottledUntil(ctx, tenantID, channel, now)
	if err != nil {
		return Decision{}, err
	}
	if throttled {
		return Decision{Reason: ReasonThrottled, RetryAfter: until.Sub(now)}, nil
	}
	return Decision{Allowed: true}, nil
}

// TryConsume takes one unit of the tenant's current bucket. A denied decision
// leaves the counter untouched.
func (m *Manager) TryConsume(ctx context.Context, tenantID string, channel store.Channel, now time.Time) (Decision, error) {
	ctx, span := m.tracer.Start(ctx, "TryConsumeQuota", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("message.channel", string(channel)),
	))
	defer span.End()

	d, err := m.CheckThrottle(ctx, tenantID, channel, now)
	if err != nil {
		span.RecordError(err)
		return Decision{}, err
	}
	if !d.Allowed {
		span.SetAttributes(attribute.String("quota.reason", d.Reason))
		return d, nil
	}

	bucket, err := m.bucket(ctx, tenantID, now)
	if err != nil {
		span.RecordError(err)
		return Decision{}, err
	}
	usage, allowed, err := m.repo.Consume(ctx, bucket, 1, now)
	if err != nil {
		span.RecordError(err)
		return Decision{}, fmt.Errorf("consume quota: %w", err)
	}
	span.SetAttributes(attribute.Int64("quota.used", usage.Used), attribute.Int64("quota.limit", usage.Limit))
	if !allowed {
		logging.WithTrace(ctx, m.logger).Info("quota exceeded",
			zap.String("tenant_id", tenantID),
			zap.String("channel", string(channel)),
			zap.Int64("used", usage.Used),
			zap.Int64("limit", usage.Limit))
		return Decision{Reason: ReasonQuotaExceeded, RetryAfter: bucket.ResetAt.Sub(now), Usage: usage}, nil
	}
	return Decision{Allowed: true, Usage: usage}, nil
}

// Enforce is TryConsume returning ErrThrottled for a denied decision.
func (m *Manager) Enforce(ctx context.Context, tenantID string, channel store.Channel, now time.Time) (Decision, error) {
	d, err := m.TryConsume(ctx, tenantID, channel, now)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, fmt.Errorf("%w: %s, retry after %s", ErrThrottled, d.Reason, d.RetryAfter)
	}
	return d, nil
}

// Throttle records provider rate-limit feedback. A non-positive retryAfter uses the default backoff.
func (m *Manager) Throttle(ctx context.Context, tenantID string, channel store.Channel, retryAfter time.Duration, now time.Time) error {
	if retryAfter <= 0 {
		retryAfter = m.backoff
	}
	if err := m.throttle.Throttle(ctx, tenantID, channel, now.Add(retryAfter), now); err != nil {
		return err
	}
	logging.WithTrace(ctx, m.logger).Warn("tenant throttled by provider",
		zap.String("tenant_id", tenantID),
		zap.String("channel", string(channel)),
		zap.Duration("retry_after", retryAfter))
	return nil
}

// Usage returns the tenant's current bucket, zero-valued if nothing was consumed yet.
func (m *Manager) Usage(ctx context.Context, tenantID string, now time.Time) (store.QuotaUsage, error) {
	bucket, err := m.bucket(ctx, tenantID, now)
	if err != nil {
		return store.QuotaUsage{}, err
	}
	current, err := m.repo.Current(ctx, tenantID, bucket.Period, bucket.BucketStart)
	if errors.Is(err, store.ErrNotFound) {
		return bucket, nil
	}
	if err != nil {
		return store.QuotaUsage{}, fmt.Errorf("read quota usage: %w", err)
	}
	return *current, nil
}

// Utilization lists every tenant bucket of the current day and month.
func (m *Manager) Utilization(ctx context.Context, now time.Time) ([]store.QuotaUsage, error) {
	var all []store.QuotaUsage
	for _, period := range []store.Period{store.PeriodDay, store.PeriodMonth} {
		start, _ := period.Bucket(now)
		buckets, err := m.repo.ListBuckets(ctx, period, start)
		if err != nil {
			return nil, fmt.Errorf("list %s buckets: %w", period, err)
		}
		all = append(all, buckets...)
	}
	return all, nil
}

// ProjectCost requires a cost projector.
func (m *Manager) ProjectCost(ctx context.Context, tenantID string, now time.Time) (*CostProjection, error) {
	if m.costs == nil {
		return nil, errors.New("cost projection is not configured")
	}
	return m.costs.Project(ctx, tenantID, now)
}
