package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const CollectionName = "domain_events"

// EventCollection is the subset of *mongo.Collection the sink writes through.
type EventCollection interface {
	InsertMany(ctx context.Context, documents []interface{}, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
}

// Record is the stored form of one domain event.
type Record struct {
	EventID       string         `bson:"_id"`
	Type          string         `bson:"type"`
	AggregateType string         `bson:"aggregate_type"`
	AggregateID   string         `bson:"aggregate_id"`
	OccurredAt    time.Time      `bson:"occurred_at"`
	Data          map[string]any `bson:"data,omitempty"`
	RecordedAt    time.Time      `bson:"recorded_at"`
}

// MongoSink appends every domain event to an audit collection. Events are
// keyed by their id, so a redelivered batch does not create duplicates.
type MongoSink struct {
	coll EventCollection
	now  func() time.Time
}

func NewMongoSink(coll EventCollection) *MongoSink {
	return &MongoSink{coll: coll, now: time.Now}
}

func (s *MongoSink) Name() string { return "mongo_audit" }

func (s *MongoSink) Publish(ctx context.Context, events []models.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	recordedAt := s.now().UTC()
	docs := make([]interface{}, 0, len(events))
	for _, evt := range events {
		docs = append(docs, Record{
			EventID:       evt.ID.String(),
			Type:          string(evt.Type),
			AggregateType: evt.AggregateType,
			AggregateID:   evt.AggregateID,
			OccurredAt:    evt.OccurredAt,
			Data:          evt.Data,
			RecordedAt:    recordedAt,
		})
	}

	_, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !onlyDuplicates(err) {
		return fmt.Errorf("audit insert failed: %w", err)
	}
	return nil
}

// onlyDuplicates reports whether every write error is a duplicate _id.
func onlyDuplicates(err error) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}

// EnsureIndexes creates the lookup indexes of the audit collection.
func EnsureIndexes(ctx context.Context, coll *mongo.Collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "aggregate_type", Value: 1}, {Key: "aggregate_id", Value: 1}, {Key: "occurred_at", Value: 1}}},
		{Keys: bson.D{{Key: "type", Value: 1}, {Key: "occurred_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create audit indexes: %w", err)
	}
	return nil
}
