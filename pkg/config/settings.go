package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Database      DbSettings                 `mapstructure:"database"`
	Mongo         MongoSettings              `mapstructure:"mongo"`
	Spanner       SpannerSettings            `mapstructure:"spanner"`
	Redis         RedisSettings              `mapstructure:"redis"`
	Broker        BrokerSettings             `mapstructure:"broker"`
	Dispatch      DispatchSettings           `mapstructure:"dispatch"`
	Session       SessionSettings            `mapstructure:"session"`
	Quota         QuotaSettings              `mapstructure:"quota"`
	Channels      map[string]ChannelSettings `mapstructure:"channels" validate:"dive"`
	Alerts        AlertSettings              `mapstructure:"alerts"`
	HTTP          HTTPSettings               `mapstructure:"http"`
	Logging       LoggingSettings            `mapstructure:"logging"`
	Observability Observability              `mapstructure:"observability"`
}

// ApplyDefaults fills every unset tunable.
func (c *Settings) ApplyDefaults() {
	setDefault(&c.Broker.Type, "none")
	setDefault(&c.Broker.EventsTopic, "outbound.message.status")
	setDefault(&c.Broker.DeadLetterTopic, "outbound.message.dead_letter")
	if c.Broker.PoolSize == 0 {
		c.Broker.PoolSize = 5
	}

	d := &c.Dispatch
	if d.Workers == 0 {
		d.Workers = 4
	}
	setDuration(&d.PollInterval, time.Second)
	setDuration(&d.SendTimeout, 30*time.Second)
	if d.MaxAttempts == 0 {
		d.MaxAttempts = 5
	}
	setDuration(&d.RetryBaseDelay, time.Minute)
	setDuration(&d.RetryMaxDelay, 6*time.Hour)
	if d.RetryJitter == 0 {
		d.RetryJitter = 0.2
	}
	setDuration(&d.StaleAfter, 10*time.Minute)

	setDefault(&c.Session.Store, "postgres")
	setDuration(&c.Session.WindowDuration, 24*time.Hour)
	setDefault(&c.Mongo.Database, "outbound")
	setDefault(&c.Mongo.Collection, "session_windows")

	q := &c.Quota
	setDefault(&q.Store, "postgres")
	if q.DefaultTier == 0 {
		q.DefaultTier = 1
	}
	if len(q.Tiers) == 0 {
		q.Tiers = []TierSettings{
			{Level: 1, Limit: 1000, Period: "DAY"},
			{Level: 2, Limit: 10000, Period: "DAY"},
			{Level: 3, Limit: 100000, Period: "DAY"},
			{Level: 4, Limit: -1, Period: "DAY"},
		}
	}
	setDuration(&q.ThrottleBackoff, 5*time.Minute)
	setDefault(&q.Currency, "USD")
	if len(q.UnitCosts) == 0 {
		q.UnitCosts = map[string]map[string]float64{
			"whatsapp": {"marketing": 0.025, "utility": 0.004, "authentication": 0.0135, "service": 0},
			"email":    {"email": 0.0001},
			"sms":      {"sms": 0.0079},
		}
	}

	a := &c.Alerts
	if a.DLQThreshold == 0 {
		a.DLQThreshold = 100
	}
	if a.QueueThreshold == 0 {
		a.QueueThreshold = 1000
	}
	if a.FailureRateThreshold == 0 {
		a.FailureRateThreshold = 0.30
	}
	setDuration(&a.Window, time.Hour)
	setDuration(&a.GaugeRefresh, 30*time.Second)

	setDefault(&c.HTTP.Addr, ":8080")
	setDuration(&c.HTTP.ReadTimeout, 10*time.Second)
	setDuration(&c.HTTP.WriteTimeout, 30*time.Second)
	if c.HTTP.MaxBodyBytes == 0 {
		c.HTTP.MaxBodyBytes = 1 << 20
	}
	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Observability.MetricsPath, "/metrics")
	if c.Observability.SampleRatio == 0 {
		c.Observability.SampleRatio = 1
	}
}

func (c *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Session.Store == "mongo" && c.Mongo.URI == "" {
		return errors.New("mongo.uri is required when session.store is mongo")
	}
	if c.Quota.Store == "spanner" && c.Spanner.Database == "" {
		return errors.New("spanner.database is required when quota.store is spanner")
	}
	if c.Quota.Store == "redis" && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when quota.store is redis")
	}
	for _, tier := range c.Quota.Tiers {
		if tier.Level == c.Quota.DefaultTier {
			return nil
		}
	}
	return fmt.Errorf("quota.default_tier %d has no tier definition", c.Quota.DefaultTier)
}

// LoadFromFile reads dispatcher.yaml from filePath, merges dispatcher.<ENVIRONMENT>.yaml
// and applies OUTBOUND_* environment overrides.
func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName("dispatcher")
	viper.AddConfigPath(filePath)
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := mergeConfig(filePath, "dispatcher."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("load from env: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("OUTBOUND")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // OUTBOUND_DATABASE_DSN

	for _, key := range []string{
		"database.type", "database.dsn", "database.max_open_conns",
		"mongo.uri", "mongo.database", "mongo.collection",
		"spanner.database",
		"redis.addr", "redis.password", "redis.db",
		"broker.type", "broker.url", "broker.exchange", "broker.project_id", "broker.pool_size",
		"broker.events_topic", "broker.dead_letter_topic",
		"dispatch.workers", "dispatch.poll_interval", "dispatch.send_timeout", "dispatch.max_attempts",
		"dispatch.retry_base_delay", "dispatch.retry_max_delay", "dispatch.retry_jitter", "dispatch.stale_after",
		"dispatch.soft_rate_per_second", "dispatch.soft_burst",
		"session.store", "session.window_duration",
		"quota.store", "quota.default_tier", "quota.throttle_backoff", "quota.currency",
		"alerts.dlq_threshold", "alerts.queue_threshold", "alerts.failure_rate_threshold", "alerts.window",
		"http.addr", "http.max_body_bytes", "http.webhook_verify_token",
		"logging.level", "logging.development",
		"observability.service_name", "observability.tracing_url", "observability.sample_ratio",
	} {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}

	return viper.Unmarshal(c)
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	return viper.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setDuration(field *time.Duration, value time.Duration) {
	if *field == 0 {
		*field = value
	}
}
