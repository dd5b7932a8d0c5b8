package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zoff-tech/go-outbound/pkg/store"
)

// Event types carried in the event-type header.
const (
	EventStatusChanged = "outbound.message.status_changed"
	EventDeadLettered  = "outbound.message.dead_lettered"
)

// StatusEvent is the payload published for every lifecycle change.
type StatusEvent struct {
	EventID           string        `json:"event_id"`
	Type              string        `json:"type"`
	MessageID         string        `json:"message_id"`
	TenantID          string        `json:"tenant_id"`
	Channel           store.Channel `json:"channel"`
	DossierID         string        `json:"dossier_id,omitempty"`
	Status            store.Status  `json:"status"`
	PreviousStatus    store.Status  `json:"previous_status,omitempty"`
	AttemptCount      int           `json:"attempt_count"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	ErrorCode         string        `json:"error_code,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	OccurredAt        time.Time     `json:"occurred_at"`
}

// LifecyclePublisher turns status changes into broker events. A nil publisher drops them.
type LifecyclePublisher struct {
	broker          MessageBroker
	eventsTopic     string
	deadLetterTopic string
}

func NewLifecyclePublisher(b MessageBroker, eventsTopic, deadLetterTopic string) *LifecyclePublisher {
	return &LifecyclePublisher{broker: b, eventsTopic: eventsTopic, deadLetterTopic: deadLetterTopic}
}

// PublishStatusChange announces msg's current status. Dead-lettered messages
// are additionally published to the dead-letter topic.
func (p *LifecyclePublisher) PublishStatusChange(ctx context.Context, msg *store.OutboundMessage, previous store.Status) error {
	if p == nil || p.broker == nil {
		return nil
	}
	event := StatusEvent{
		EventID:           uuid.NewString(),
		Type:              EventStatusChanged,
		MessageID:         msg.ID,
		TenantID:          msg.TenantID,
		Channel:           msg.Channel,
		DossierID:         msg.DossierID,
		Status:            msg.Status,
		PreviousStatus:    previous,
		AttemptCount:      msg.AttemptCount,
		ProviderMessageID: msg.ProviderMessageID,
		ErrorCode:         msg.ErrorCode,
		ErrorMessage:      msg.ErrorMessage,
		OccurredAt:        msg.UpdatedAt,
	}

	var errs []error
	if p.eventsTopic != "" {
		errs = append(errs, p.publish(ctx, p.eventsTopic, event))
	}
	if msg.Status == store.StatusDeadLetter && p.deadLetterTopic != "" {
		event.EventID = uuid.NewString()
		event.Type = EventDeadLettered
		errs = append(errs, p.publish(ctx, p.deadLetterTopic, event))
	}
	return errors.Join(errs...)
}

func (p *LifecyclePublisher) publish(ctx context.Context, topic string, event StatusEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	return p.broker.Publish(ctx, &Message{
		Topic:   topic,
		Key:     event.MessageID,
		Payload: payload,
		Headers: map[string]string{
			"event-type": event.Type,
			"tenant-id":  event.TenantID,
			"message-id": event.MessageID,
		},
	})
}
