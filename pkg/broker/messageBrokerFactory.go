package broker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-outbound/pkg/config"
	"github.com/zoff-tech/go-outbound/pkg/logging"
)

func NewBroker(ctx context.Context, cfg *config.BrokerSettings, logger *zap.Logger) (MessageBroker, error) {
	logger = logging.OrNop(logger)
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg, logger)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, cfg, logger)
	case "none", "":
		return NewNoopBroker(logger), nil
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
