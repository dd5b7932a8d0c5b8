// Package observability summarises the message store for operators. It only
// reads; message state is never written from here.
package observability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-outbound/pkg/config"
	"github.com/zoff-tech/go-outbound/pkg/logging"
	"github.com/zoff-tech/go-outbound/pkg/metrics"
	"github.com/zoff-tech/go-outbound/pkg/store"
)

// DefaultWindow is the rolling window of a snapshot when the caller gives none.
const DefaultWindow = 24 * time.Hour

// RecentDeadLetterLimit is how many dead letters a snapshot lists.
const RecentDeadLetterLimit = 10

// UtilizationReader lists the current quota buckets of every tenant.
type UtilizationReader interface {
	Utilization(ctx context.Context, now time.Time) ([]store.QuotaUsage, error)
}

type DeadLetter struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenant_id"`
	Channel       store.Channel `json:"channel"`
	Recipient     string        `json:"recipient"`
	ErrorCode     string        `json:"error_code,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	AttemptCount  int           `json:"attempt_count"`
	LastAttemptAt time.Time     `json:"last_attempt_at"`
}

type QuotaUtilization struct {
	TenantID string       `json:"tenant_id"`
	Period   store.Period `json:"period"`
	Used     int64        `json:"used"`
	Limit    int64        `json:"limit"`
	Percent  float64      `json:"percent"`
	ResetAt  time.Time    `json:"reset_at"`
}

// TrendPoint is one day of the failure-rate series.
type TrendPoint struct {
	Day         time.Time `json:"day"`
	Failures    int64     `json:"failures"`
	Total       int64     `json:"total"`
	FailureRate float64   `json:"failure_rate"`
}

// Snapshot is the observability read model.
type Snapshot struct {
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	GeneratedAt time.Time `json:"generated_at"`

	QueueDepth          int64                   `json:"queue_depth"`
	QueueDepthByChannel map[store.Channel]int64 `json:"queue_depth_by_channel"`

	Latency          LatencyStats                   `json:"latency"`
	LatencyByChannel map[store.Channel]LatencyStats `json:"latency_by_channel"`

	FailuresByChannel   map[store.Channel]int64 `json:"failures_by_channel"`
	FailuresByErrorCode map[string]int64        `json:"failures_by_error_code"`
	FailureTrend        []TrendPoint            `json:"failure_trend"`

	DLQSize           int64                   `json:"dlq_size"`
	DLQByChannel      map[store.Channel]int64 `json:"dlq_by_channel"`
	RecentDeadLetters []DeadLetter            `json:"recent_dead_letters"`

	ChannelHealth    map[store.Channel]ChannelHealth `json:"channel_health"`
	QuotaUtilization []QuotaUtilization              `json:"quota_utilization"`
	Alerts           []Alert                         `json:"alerts"`
}

type Aggregator struct {
	reader  store.MetricsReader
	quota   UtilizationReader
	alerts  config.AlertSettings
	metrics *metrics.Recorder
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Aggregator)

func WithQuota(q UtilizationReader) Option {
	return func(a *Aggregator) { a.quota = q }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(a *Aggregator) { a.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) { a.logger = logging.OrNop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func NewAggregator(reader store.MetricsReader, alerts config.AlertSettings, opts ...Option) *Aggregator {
	a := &Aggregator{
		reader: reader,
		alerts: alerts,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Snapshot computes the read model over [from, to). Zero bounds default to
// the last DefaultWindow. Queue depth and DLQ size are current totals.
func (a *Aggregator) Snapshot(ctx context.Context, from, to time.Time) (*Snapshot, error) {
	now := a.now()
	if to.IsZero() {
		to = now
	}
	if from.IsZero() {
		from = to.Add(-DefaultWindow)
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("empty window: from %s is not before to %s", from, to)
	}

	s := &Snapshot{From: from, To: to, GeneratedAt: now}
	var (
		samples []store.LatencySample
		trend   []store.TrendPoint
		dead    []store.OutboundMessage
		usage   []store.QuotaUsage
		healthT map[store.Channel]int64
		healthF map[store.Channel]int64
	)
	windowStart := now.Add(-a.alerts.Window)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		s.QueueDepthByChannel, err = a.reader.CountByChannel(gctx, store.CountFilter{Statuses: []store.Status{store.StatusQueued}})
		return wrap("queue depth", err)
	})
	g.Go(func() (err error) {
		s.DLQByChannel, err = a.reader.CountByChannel(gctx, store.CountFilter{Statuses: []store.Status{store.StatusDeadLetter}})
		return wrap("dlq size", err)
	})
	g.Go(func() (err error) {
		samples, err = a.reader.LatencySamples(gctx, from, to)
		return wrap("latency samples", err)
	})
	g.Go(func() (err error) {
		s.FailuresByChannel, err = a.reader.CountByChannel(gctx, store.CountFilter{
			Statuses: []store.Status{store.StatusDeadLetter}, Since: from, Until: to,
		})
		return wrap("failures by channel", err)
	})
	g.Go(func() (err error) {
		s.FailuresByErrorCode, err = a.reader.CountByErrorCode(gctx, store.CountFilter{
			Statuses: []store.Status{store.StatusDeadLetter}, Since: from, Until: to,
		})
		return wrap("failures by error code", err)
	})
	g.Go(func() (err error) {
		trend, err = a.reader.FailureTrend(gctx, from, to)
		return wrap("failure trend", err)
	})
	g.Go(func() (err error) {
		dead, err = a.reader.RecentDeadLetters(gctx, RecentDeadLetterLimit)
		return wrap("recent dead letters", err)
	})
	g.Go(func() (err error) {
		healthT, err = a.reader.CountByChannel(gctx, store.CountFilter{
			Statuses: append(append([]store.Status(nil), store.SuccessStatuses...), store.StatusDeadLetter),
			Since:    windowStart,
		})
		return wrap("channel totals", err)
	})
	g.Go(func() (err error) {
		healthF, err = a.reader.CountByChannel(gctx, store.CountFilter{
			Statuses: []store.Status{store.StatusDeadLetter}, Since: windowStart,
		})
		return wrap("channel failures", err)
	})
	if a.quota != nil {
		g.Go(func() (err error) {
			usage, err = a.quota.Utilization(gctx, now)
			return wrap("quota utilization", err)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.QueueDepth = sum(s.QueueDepthByChannel)
	s.DLQSize = sum(s.DLQByChannel)
	s.Latency, s.LatencyByChannel = latencyStats(samples)
	s.FailureTrend = make([]TrendPoint, 0, len(trend))
	for _, tp := range trend {
		p := TrendPoint{Day: tp.Day, Failures: tp.Failures, Total: tp.Total}
		if tp.Total > 0 {
			p.FailureRate = float64(tp.Failures) / float64(tp.Total)
		}
		s.FailureTrend = append(s.FailureTrend, p)
	}
	s.RecentDeadLetters = make([]DeadLetter, 0, len(dead))
	for _, m := range dead {
		s.RecentDeadLetters = append(s.RecentDeadLetters, DeadLetter{
			ID:            m.ID,
			TenantID:      m.TenantID,
			Channel:       m.Channel,
			Recipient:     m.Recipient,
			ErrorCode:     m.ErrorCode,
			ErrorMessage:  m.ErrorMessage,
			AttemptCount:  m.AttemptCount,
			LastAttemptAt: m.UpdatedAt,
		})
	}
	s.ChannelHealth = make(map[store.Channel]ChannelHealth, len(healthT))
	for ch, total := range healthT {
		h := ChannelHealth{Total: total, Failed: healthF[ch]}
		if total > 0 {
			h.FailureRate = float64(h.Failed) / float64(total)
		}
		s.ChannelHealth[ch] = h
	}
	s.QuotaUtilization = quotaUtilization(usage)
	s.Alerts = evaluateAlerts(a.alerts, s)

	if len(s.Alerts) > 0 {
		logging.WithTrace(ctx, a.logger).Warn("observability alerts raised", zap.Int("count", len(s.Alerts)))
	}
	return s, nil
}

// RefreshGauges publishes current queue depth and DLQ size to the Prometheus gauges.
func (a *Aggregator) RefreshGauges(ctx context.Context) error {
	queued, err := a.reader.CountByChannel(ctx, store.CountFilter{Statuses: []store.Status{store.StatusQueued}})
	if err != nil {
		return wrap("queue depth", err)
	}
	dead, err := a.reader.CountByChannel(ctx, store.CountFilter{Statuses: []store.Status{store.StatusDeadLetter}})
	if err != nil {
		return wrap("dlq size", err)
	}
	a.metrics.SetBacklog(byChannelName(queued), byChannelName(dead))
	return nil
}

// RunGaugeRefresh refreshes the gauges every interval until ctx is done.
func (a *Aggregator) RunGaugeRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := a.RefreshGauges(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("gauge refresh failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func quotaUtilization(usage []store.QuotaUsage) []QuotaUtilization {
	out := make([]QuotaUtilization, 0, len(usage))
	for _, u := range usage {
		out = append(out, QuotaUtilization{
			TenantID: u.TenantID,
			Period:   u.Period,
			Used:     u.Used,
			Limit:    u.Limit,
			Percent:  u.Utilization() * 100,
			ResetAt:  u.ResetAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Percent != out[j].Percent {
			return out[i].Percent > out[j].Percent
		}
		return out[i].TenantID < out[j].TenantID
	})
	return out
}

// byChannelName fills every known channel so drained queues report zero.
func byChannelName(counts map[store.Channel]int64) map[string]int64 {
	out := make(map[string]int64, len(store.Channels))
	for _, ch := range store.Channels {
		out[string(ch)] = counts[ch]
	}
	return out
}

func sum(counts map[store.Channel]int64) int64 {
	var total int64
	for _, n := range counts {
		total += n
	}
	return total
}

func wrap(what string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}
