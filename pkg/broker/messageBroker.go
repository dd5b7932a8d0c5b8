package broker

import "context"

// Message is one event handed to a broker.
type Message struct {
	// Topic is the Pub/Sub topic, or the routing key on the RabbitMQ exchange.
	Topic string
	// Key orders messages of one entity where the broker supports it.
	Key     string
	Payload []byte
	Headers map[string]string
}

// MessageBroker defines the operations to publish messages to a broker.
type MessageBroker interface {
	// Publish sends msg to its topic. Trace context is added to the headers.
	Publish(ctx context.Context, msg *Message) error
	// Close cleans up any resources (connections).
	Close() error
}
