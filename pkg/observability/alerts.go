package observability

import (
	"fmt"

	"github.com/zoff-tech/go-outbound/pkg/config"
	"github.com/zoff-tech/go-outbound/pkg/store"
)

// Alert kinds.
const (
	AlertDeadLetterQueue = "DLQ_SIZE"
	AlertQueueDepth      = "QUEUE_DEPTH"
	AlertFailureRate     = "FAILURE_RATE"
)

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// MinFailureRateSamples keeps a handful of early failures from raising a rate alert.
const MinFailureRateSamples = 10

type Alert struct {
	Type      string        `json:"type"`
	Severity  string        `json:"severity"`
	Channel   store.Channel `json:"channel,omitempty"`
	Value     float64       `json:"value"`
	Threshold float64       `json:"threshold"`
	Message   string        `json:"message"`
}

// ChannelHealth is the terminal-outcome tally of a channel over the alert window.
type ChannelHealth struct {
	Total       int64   `json:"total"`
	Failed      int64   `json:"failed"`
	FailureRate float64 `json:"failure_rate"`
}

func evaluateAlerts(cfg config.AlertSettings, s *Snapshot) []Alert {
	alerts := []Alert{}
	if s.DLQSize > cfg.DLQThreshold {
		alerts = append(alerts, Alert{
			Type:      AlertDeadLetterQueue,
			Severity:  SeverityCritical,
			Value:     float64(s.DLQSize),
			Threshold: float64(cfg.DLQThreshold),
			Message:   fmt.Sprintf("dead-letter queue holds %d messages (threshold %d)", s.DLQSize, cfg.DLQThreshold),
		})
	}
	if s.QueueDepth > cfg.QueueThreshold {
		alerts = append(alerts, Alert{
			Type:      AlertQueueDepth,
			Severity:  SeverityWarning,
			Value:     float64(s.QueueDepth),
			Threshold: float64(cfg.QueueThreshold),
			Message:   fmt.Sprintf("%d messages queued (threshold %d)", s.QueueDepth, cfg.QueueThreshold),
		})
	}
	for _, ch := range store.Channels {
		h, ok := s.ChannelHealth[ch]
		if !ok || h.Total < MinFailureRateSamples || h.FailureRate <= cfg.FailureRateThreshold {
			continue
		}
		alerts = append(alerts, Alert{
			Type:      AlertFailureRate,
			Severity:  SeverityCritical,
			Channel:   ch,
			Value:     h.FailureRate,
			Threshold: cfg.FailureRateThreshold,
			Message: fmt.Sprintf("%s failure rate %.1f%% over the last %s (%d of %d)",
				ch, h.FailureRate*100, cfg.Window, h.Failed, h.Total),
		})
	}
	return alerts
}
