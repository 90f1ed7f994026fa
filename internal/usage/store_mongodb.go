package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ErrPartialWrite indicates that a batch write only partially succeeded.
// Use errors.As to extract details about the failure.
var ErrPartialWrite = errors.New("partial write failure")

// duplicateKeyCode is the server error code for a unique index violation.
const duplicateKeyCode = 11000

// PartialWriteError wraps a mongo.BulkWriteException with additional context
// about how many events failed vs succeeded.
type PartialWriteError struct {
	TotalEvents int
	FailedCount int
	Cause       mongo.BulkWriteException
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial usage insert: %d of %d events failed: %v",
		e.FailedCount, e.TotalEvents, e.Cause.Error())
}

func (e *PartialWriteError) Unwrap() error {
	return ErrPartialWrite
}

var usagePartialWriteFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "tokenmeter_usage_partial_write_failures_total",
		Help: "Total number of partial write failures when inserting usage events to MongoDB",
	},
)

// mongoEvent is the stored document: the event fields plus a deterministic _id.
type mongoEvent struct {
	ID         string `bson:"_id"`
	UsageEvent `bson:",inline"`
}

// MongoDBStore implements Store for MongoDB.
type MongoDBStore struct {
	collection    *mongo.Collection
	retentionDays int
}

// NewMongoDBStore creates a new MongoDB usage store and its indexes.
// Retention is enforced by a TTL index on timestamp.
func NewMongoDBStore(ctx context.Context, database *mongo.Database, retentionDays int) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	collection := database.Collection(TableName)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "request_id", Value: 1}}},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}}},
		{Keys: bson.D{{Key: "feature", Value: 1}}},
		{Keys: bson.D{{Key: "model", Value: 1}}},
		{Keys: bson.D{{Key: "provider", Value: 1}}},
	}

	// MongoDB doesn't allow a second index on timestamp when one is TTL.
	if retentionDays > 0 {
		ttlSeconds := int32(int64(retentionDays) * 24 * 60 * 60)
		indexes = append(indexes, mongo.IndexModel{
			Keys:    bson.D{{Key: "timestamp", Value: -1}},
			Options: options.Index().SetExpireAfterSeconds(ttlSeconds),
		})
	} else {
		indexes = append(indexes, mongo.IndexModel{
			Keys: bson.D{{Key: "timestamp", Value: -1}},
		})
	}

	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		slog.Warn("failed to create some MongoDB indexes for usage events", "error", err)
	}

	return &MongoDBStore{
		collection:    collection,
		retentionDays: retentionDays,
	}, nil
}

// WriteBatch inserts events with an unordered InsertMany.
// Events already stored (duplicate _id) are not counted as failures.
func (s *MongoDBStore) WriteBatch(ctx context.Context, events []*UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	docs := make([]any, len(events))
	for i, e := range events {
		doc := mongoEvent{ID: EventID(e), UsageEvent: *e}
		doc.Timestamp = e.Timestamp.UTC()
		docs[i] = doc
	}

	_, err := s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return nil
	}

	var bulkErr mongo.BulkWriteException
	if !errors.As(err, &bulkErr) {
		return fmt.Errorf("failed to insert usage events: %w", err)
	}

	failedCount := 0
	for _, we := range bulkErr.WriteErrors {
		if we.Code != duplicateKeyCode {
			failedCount++
		}
	}
	if failedCount == 0 && bulkErr.WriteConcernError == nil {
		return nil
	}

	slog.Warn("partial usage insert failure",
		"total", len(events),
		"failed", failedCount,
		"succeeded", len(events)-failedCount,
	)
	usagePartialWriteFailures.Inc()
	return &PartialWriteError{
		TotalEvents: len(events),
		FailedCount: failedCount,
		Cause:       bulkErr,
	}
}

// Flush is a no-op for MongoDB as writes are synchronous.
func (s *MongoDBStore) Flush(_ context.Context) error {
	return nil
}

// Close is a no-op for MongoDB as the client is managed by the storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}
