package broker

import (
	"context"

	"go.uber.org/zap"
)

type noopBroker struct {
	logger *zap.Logger
}

// NewNoopBroker drops every message. It backs broker.type "none".
func NewNoopBroker(logger *zap.Logger) MessageBroker {
	return &noopBroker{logger: logger}
}

func (n *noopBroker) Publish(_ context.Context, msg *Message) error {
	n.logger.Debug("event dropped, no broker configured", zap.String("topic", msg.Topic), zap.String("key", msg.Key))
	return nil
}

func (n *noopBroker) Close() error {
	return nil
}
