package config

import "time"

type Observability struct {
	ServiceName string  `mapstructure:"service_name" validate:"required"`
	TracingURL  string  `mapstructure:"tracing_url"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
	MetricsPath string  `mapstructure:"metrics_path"`
}

// LoggingSettings selects the zap encoder and level.
type LoggingSettings struct {
	Level       string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// AlertSettings are the operator alarm thresholds of the observability read API.
type AlertSettings struct {
	DLQThreshold         int64         `mapstructure:"dlq_threshold" validate:"gt=0"`
	QueueThreshold       int64         `mapstructure:"queue_threshold" validate:"gt=0"`
	FailureRateThreshold float64       `mapstructure:"failure_rate_threshold" validate:"gt=0,lte=1"`
	Window               time.Duration `mapstructure:"window" validate:"gt=0"`
	GaugeRefresh         time.Duration `mapstructure:"gauge_refresh"`
}
