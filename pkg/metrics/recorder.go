package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the engine's Prometheus instruments. A nil *Recorder is valid and records nothing.
type Recorder struct {
	dispatchAttempts *prometheus.CounterVec
	deadLetters      *prometheus.CounterVec
	deliveryLatency  *prometheus.HistogramVec
	callbacks        *prometheus.CounterVec
	throttled        *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	dlqSize          *prometheus.GaugeVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewRecorder creates the instruments and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		dispatchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_dispatch_attempts_total",
				Help: "Dispatch attempts by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		deadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_dead_letter_total",
				Help: "Messages moved to the dead-letter state",
			},
			[]string{"channel"},
		),
		deliveryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outbound_delivery_latency_seconds",
				Help:    "Time from enqueue to provider acceptance",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900, 3600},
			},
			[]string{"channel"},
		),
		callbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_callbacks_total",
				Help: "Provider status callbacks by provider and reconciliation outcome",
			},
			[]string{"provider", "outcome"},
		),
		throttled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_throttled_total",
				Help: "Sends deferred or rejected by quota and throttle checks",
			},
			[]string{"channel"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "outbound_queue_depth",
				Help: "Messages waiting in QUEUED",
			},
			[]string{"channel"},
		),
		dlqSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "outbound_dlq_size",
				Help: "Messages in DEAD_LETTER",
			},
			[]string{"channel"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_http_requests_total",
				Help: "HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outbound_http_request_duration_seconds",
				Help:    "HTTP request duration by route and method",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}
	reg.MustRegister(r.dispatchAttempts, r.deadLetters, r.deliveryLatency, r.callbacks, r.throttled,
		r.queueDepth, r.dlqSize, r.httpRequests, r.httpDuration)
	return r
}

func (r *Recorder) DispatchAttempt(channel, outcome string) {
	if r == nil {
		return
	}
	r.dispatchAttempts.WithLabelValues(channel, outcome).Inc()
}

func (r *Recorder) DeadLettered(channel string) {
	if r == nil {
		return
	}
	r.deadLetters.WithLabelValues(channel).Inc()
}

func (r *Recorder) DeliveryLatency(channel string, d time.Duration) {
	if r == nil {
		return
	}
	r.deliveryLatency.WithLabelValues(channel).Observe(d.Seconds())
}

func (r *Recorder) Callback(provider, outcome string) {
	if r == nil {
		return
	}
	r.callbacks.WithLabelValues(provider, outcome).Inc()
}

func (r *Recorder) Throttled(channel string) {
	if r == nil {
		return
	}
	r.throttled.WithLabelValues(channel).Inc()
}

// SetBacklog replaces the queue depth and DLQ gauges with fresh counts.
func (r *Recorder) SetBacklog(queued, deadLettered map[string]int64) {
	if r == nil {
		return
	}
	r.queueDepth.Reset()
	for ch, n := range queued {
		r.queueDepth.WithLabelValues(ch).Set(float64(n))
	}
	r.dlqSize.Reset()
	for ch, n := range deadLettered {
		r.dlqSize.WithLabelValues(ch).Set(float64(n))
	}
}

func (r *Recorder) HTTPRequest(route, method string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
