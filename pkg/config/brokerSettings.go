package config

// BrokerSettings holds configuration for publishing lifecycle events to a message broker.
type BrokerSettings struct {
	Type            string `mapstructure:"type" validate:"oneof=rabbitmq gcp-pubsub none"`
	URL             string `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange        string `mapstructure:"exchange"`
	ProjectID       string `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"` // GCP Pub/Sub only
	PoolSize        int    `mapstructure:"pool_size"`
	EventsTopic     string `mapstructure:"events_topic"`
	DeadLetterTopic string `mapstructure:"dead_letter_topic"`
}
