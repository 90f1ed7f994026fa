package usage

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// MongoDBReader implements Reader for MongoDB.
type MongoDBReader struct {
	collection *mongo.Collection
}

// NewMongoDBReader creates a new MongoDB usage reader.
func NewMongoDBReader(database *mongo.Database) (*MongoDBReader, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &MongoDBReader{collection: database.Collection(TableName)}, nil
}

// mongoSummary mirrors Summary with BSON field names from the $group stage.
type mongoSummary struct {
	Key          string  `bson:"_id"`
	Events       int64   `bson:"events"`
	InputUnits   int64   `bson:"input_units"`
	OutputUnits  int64   `bson:"output_units"`
	TotalUnits   int64   `bson:"total_units"`
	Cost         float64 `bson:"cost"`
	Errors       int64   `bson:"errors"`
	CacheHits    int64   `bson:"cache_hits"`
	AvgLatencyMs float64 `bson:"avg_latency_ms"`
}

func (m mongoSummary) summary() Summary {
	return Summary{
		Events:       m.Events,
		InputUnits:   m.InputUnits,
		OutputUnits:  m.OutputUnits,
		TotalUnits:   m.TotalUnits,
		Cost:         m.Cost,
		Errors:       m.Errors,
		CacheHits:    m.CacheHits,
		AvgLatencyMs: m.AvgLatencyMs,
	}
}

func mongoMatch(params QueryParams) bson.D {
	match := bson.D{}

	ts := bson.D{}
	if !params.Start.IsZero() {
		ts = append(ts, bson.E{Key: "$gte", Value: params.Start.UTC()})
	}
	if !params.End.IsZero() {
		ts = append(ts, bson.E{Key: "$lt", Value: params.End.UTC()})
	}
	if len(ts) > 0 {
		match = append(match, bson.E{Key: "timestamp", Value: ts})
	}

	for _, f := range params.filters() {
		match = append(match, bson.E{Key: string(f.dim), Value: f.value})
	}
	return match
}

func mongoGroup(id any) bson.D {
	return bson.D{{Key: "$group", Value: bson.D{
		{Key: "_id", Value: id},
		{Key: "events", Value: bson.D{{Key: "$sum", Value: 1}}},
		{Key: "input_units", Value: bson.D{{Key: "$sum", Value: "$input_units"}}},
		{Key: "output_units", Value: bson.D{{Key: "$sum", Value: "$output_units"}}},
		{Key: "total_units", Value: bson.D{{Key: "$sum", Value: "$total_units"}}},
		{Key: "cost", Value: bson.D{{Key: "$sum", Value: "$computed_cost"}}},
		{Key: "errors", Value: bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$eq", Value: bson.A{"$status", StatusError}}}, 1, 0,
		}}}}}},
		{Key: "cache_hits", Value: bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{
			"$cache_hit", 1, 0,
		}}}}}},
		{Key: "avg_latency_ms", Value: bson.D{{Key: "$avg", Value: "$latency_ms"}}},
	}}}
}

func (r *MongoDBReader) GetSummary(ctx context.Context, params QueryParams) (*Summary, error) {
	pipeline := bson.A{
		bson.D{{Key: "$match", Value: mongoMatch(params)}},
		mongoGroup(nil),
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage summary: %w", err)
	}
	defer cursor.Close(ctx)

	summary := &Summary{}
	if cursor.Next(ctx) {
		var row mongoSummary
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("failed to decode usage summary: %w", err)
		}
		*summary = row.summary()
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage summary cursor: %w", err)
	}

	return summary, nil
}

func (r *MongoDBReader) GetBreakdown(ctx context.Context, params QueryParams, dim Dimension) ([]BreakdownRow, error) {
	if err := validDimension(dim); err != nil {
		return nil, err
	}

	pipeline := bson.A{
		bson.D{{Key: "$match", Value: mongoMatch(params)}},
		mongoGroup("$" + string(dim)),
		bson.D{{Key: "$sort", Value: bson.D{
			{Key: "cost", Value: -1},
			{Key: "_id", Value: 1},
		}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage breakdown: %w", err)
	}
	defer cursor.Close(ctx)

	result := make([]BreakdownRow, 0)
	for cursor.Next(ctx) {
		var row mongoSummary
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("failed to decode usage breakdown row: %w", err)
		}
		result = append(result, BreakdownRow{Key: row.Key, Summary: row.summary()})
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage breakdown cursor: %w", err)
	}

	return result, nil
}
