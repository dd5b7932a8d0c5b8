package config

import "time"

// DispatchSettings tunes the worker pool and its retry policy.
type DispatchSettings struct {
	Workers           int           `mapstructure:"workers" validate:"gt=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	SendTimeout       time.Duration `mapstructure:"send_timeout" validate:"gt=0"`
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"gt=0"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
	RetryJitter       float64       `mapstructure:"retry_jitter" validate:"gte=0,lt=1"`
	// StaleAfter must outlast SendTimeout or an in-flight send is requeued and sent twice.
	StaleAfter        time.Duration `mapstructure:"stale_after" validate:"gtfield=SendTimeout"`
	SoftRatePerSecond float64       `mapstructure:"soft_rate_per_second" validate:"gte=0"`
	SoftBurst         int           `mapstructure:"soft_burst" validate:"gte=0"`
}

type SessionSettings struct {
	Store          string        `mapstructure:"store" validate:"oneof=postgres mongo"`
	WindowDuration time.Duration `mapstructure:"window_duration" validate:"gt=0"`
}

// TierSettings is the limit of one quota tier. A negative limit means unlimited.
type TierSettings struct {
	Level  int    `mapstructure:"level" validate:"gt=0"`
	Limit  int64  `mapstructure:"limit"`
	Period string `mapstructure:"period" validate:"oneof=DAY MONTH"`
}

type QuotaSettings struct {
	Store           string                        `mapstructure:"store" validate:"oneof=postgres spanner redis"`
	DefaultTier     int                           `mapstructure:"default_tier" validate:"gt=0"`
	Tiers           []TierSettings                `mapstructure:"tiers" validate:"min=1,dive"`
	TenantTiers     map[string]int                `mapstructure:"tenant_tiers"`
	ThrottleBackoff time.Duration                 `mapstructure:"throttle_backoff" validate:"gt=0"`
	UnitCosts       map[string]map[string]float64 `mapstructure:"unit_costs"` // channel -> category -> cost
	Currency        string                        `mapstructure:"currency"`
}

// ChannelSettings points a channel at its provider gateway.
type ChannelSettings struct {
	Endpoint         string        `mapstructure:"endpoint" validate:"required,url"`
	Token            string        `mapstructure:"token"`
	Provider         string        `mapstructure:"provider"`
	BreakerFailures  uint32        `mapstructure:"breaker_failures"`
	BreakerOpenFor   time.Duration `mapstructure:"breaker_open_for"`
	BreakerHalfOpens uint32        `mapstructure:"breaker_half_opens"`
}

type HTTPSettings struct {
	Addr               string        `mapstructure:"addr" validate:"required"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxBodyBytes       int64         `mapstructure:"max_body_bytes" validate:"gte=0"`
	WebhookVerifyToken string        `mapstructure:"webhook_verify_token"` // WhatsApp hub.verify_token
}
