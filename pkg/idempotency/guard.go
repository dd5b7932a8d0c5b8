package idempotency

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-outbound/pkg/store"
)

// Reservation is the outcome of Reserve. Created is false when the tenant
// already enqueued a message with the same key; Message is then that message.
type Reservation struct {
	Message *store.OutboundMessage
	Created bool
}

// Guard maps (tenant, idempotency key) to at most one outbound message.
type Guard struct {
	repo   store.MessageRepository
	tracer trace.Tracer
}

func NewGuard(repo store.MessageRepository) *Guard {
	return &Guard{repo: repo, tracer: otel.Tracer("go-outbound")}
}

// Lookup returns the message already reserved under key, or nil when there is none.
// A message without a key never matches.
func (g *Guard) Lookup(ctx context.Context, tenantID, key string) (*store.OutboundMessage, error) {
	if key == "" {
		return nil, nil
	}
	msg, err := g.repo.FindByIdempotencyKey(ctx, tenantID, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return msg, nil
}

// Reserve persists msg unless its tenant already used msg.IdempotencyKey, in
// which case the existing message is returned unchanged. Concurrent calls
// with the same key resolve to a single stored row.
func (g *Guard) Reserve(ctx context.Context, msg *store.OutboundMessage) (Reservation, error) {
	ctx, span := g.tracer.Start(ctx, "ReserveIdempotencyKey", trace.WithAttributes(
		attribute.String("tenant.id", msg.TenantID),
		attribute.Bool("idempotency.keyed", msg.IdempotencyKey != ""),
	))
	defer span.End()

	stored, created, err := g.repo.Create(ctx, msg)
	if err != nil {
		span.RecordError(err)
		return Reservation{}, fmt.Errorf("reserve message: %w", err)
	}
	span.SetAttributes(attribute.Bool("idempotency.created", created))
	return Reservation{Message: stored, Created: created}, nil
}
