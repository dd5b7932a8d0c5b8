package broker

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-outbound/pkg/config"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger, opts ...option.ClientOption) (MessageBroker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Pub/Sub: %w", err)
	}
	return newPubSubBroker(client, logger), nil
}

type pubSubBroker struct {
	client *pubsub.Client
	logger *zap.Logger
	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func newPubSubBroker(client *pubsub.Client, logger *zap.Logger) *pubSubBroker {
	return &pubSubBroker{client: client, logger: logger, topics: map[string]*pubsub.Topic{}}
}

// topic reuses one publisher per topic so batching and ordering keys work.
func (p *pubSubBroker) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		t.EnableMessageOrdering = true
		p.topics[name] = t
	}
	return t
}

func (p *pubSubBroker) Publish(ctx context.Context, msg *Message) error {
	tracer := otel.Tracer("go-outbound")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(msg.Topic),
		),
	)
	defer span.End()

	// Inject the trace context into the message attributes
	attributes := make(map[string]string, len(msg.Headers)+2)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))
	for key, value := range msg.Headers {
		attributes[key] = value
	}

	t := p.topic(msg.Topic)
	res := t.Publish(ctx, &pubsub.Message{
		Data:        msg.Payload,
		Attributes:  attributes,
		OrderingKey: msg.Key,
	})
	if _, err := res.Get(ctx); err != nil { // wait for server ack
		span.RecordError(err)
		if msg.Key != "" {
			t.ResumePublish(msg.Key)
		}
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
	)
	return nil
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}
