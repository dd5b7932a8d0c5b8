package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

// MongoSessionRepository stores one document per (tenant, channel, recipient).
type MongoSessionRepository struct {
	collection *mongo.Collection
}

func NewMongoSessionRepository(client *mongo.Client, database, collection string) *MongoSessionRepository {
	return &MongoSessionRepository{collection: client.Database(database).Collection(collection)}
}

// EnsureIndexes creates the unique key index.
func (m *MongoSessionRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "channel", Value: 1}, {Key: "recipient", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func sessionFilter(tenantID string, channel Channel, recipient string) bson.M {
	return bson.M{"tenant_id": tenantID, "channel": channel, "recipient": recipient}
}

func (m *MongoSessionRepository) Get(ctx context.Context, tenantID string, channel Channel, recipient string) (*SessionWindow, error) {
	tracer := otel.Tracer("go-outbound")
	ctx, span := tracer.Start(ctx, "GetSessionWindow")
	defer span.End()

	var w SessionWindow
	err := m.collection.FindOne(ctx, sessionFilter(tenantID, channel, recipient)).Decode(&w)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &w, nil
}

func (m *MongoSessionRepository) RecordInbound(ctx context.Context, tenantID string, channel Channel, recipient string, at time.Time, window time.Duration) (*SessionWindow, error) {
	tracer := otel.Tracer("go-outbound")
	ctx, span := tracer.Start(ctx, "RecordInbound")
	defer span.End()

	startTime := time.Now()
	// Pipeline update: the window reopens only when the stored one had expired.
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "window_opens_at", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$gt", Value: bson.A{"$window_expires_at", at}}},
				"$window_opens_at",
				at,
			}}}},
			{Key: "last_inbound_at", Value: bson.D{{Key: "$max", Value: bson.A{"$last_inbound_at", at}}}},
			{Key: "window_expires_at", Value: bson.D{{Key: "$max", Value: bson.A{"$window_expires_at", at.Add(window)}}}},
			{Key: "updated_at", Value: at},
		}}},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var w SessionWindow
	err := m.collection.FindOneAndUpdate(ctx, sessionFilter(tenantID, channel, recipient), update, opts).Decode(&w)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "mongodb", "RecordInbound", 1, time.Since(startTime))
	return &w, nil
}

func (m *MongoSessionRepository) RecordOutbound(ctx context.Context, tenantID string, channel Channel, recipient string, at time.Time) error {
	tracer := otel.Tracer("go-outbound")
	ctx, span := tracer.Start(ctx, "RecordOutbound")
	defer span.End()

	update := bson.M{"$set": bson.M{"last_outbound_at": at, "updated_at": at}}
	_, err := m.collection.UpdateOne(ctx, sessionFilter(tenantID, channel, recipient), update)
	if err != nil {
		span.RecordError(err)
	}
	return err
}
