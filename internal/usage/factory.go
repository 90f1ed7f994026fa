package usage

import (
	"context"
	"fmt"
	"time"

	"tokenmeter/internal/storage"
)

// Sink types accepted by NewSink. The database types match the storage types.
const (
	SinkJSONL      = "jsonl"
	SinkRedis      = "redis"
	SinkSQLite     = storage.TypeSQLite
	SinkPostgreSQL = storage.TypePostgreSQL
	SinkMongoDB    = storage.TypeMongoDB
)

// SinkConfig selects and configures the event sink.
type SinkConfig struct {
	// Type is one of jsonl, sqlite, postgresql, mongodb, redis (default jsonl).
	Type string

	// JSONL sink
	JSONLPath string
	Fsync     bool

	// Redis sink
	Redis RedisConfig

	// Database sinks. BufferSize 0 writes every event synchronously;
	// a positive size queues events and writes them in batches.
	RetentionDays int
	BufferSize    int
	FlushInterval time.Duration

	// OnBatchError receives failed batch writes of a buffered sink.
	OnBatchError func(err error, count int)
}

// NewSink builds the configured sink. Database sinks write through db, which
// must be open and of the matching type; the sink does not close it.
func NewSink(ctx context.Context, cfg SinkConfig, db storage.Storage) (Sink, error) {
	switch cfg.Type {
	case SinkJSONL, "":
		return NewJSONLSink(cfg.JSONLPath, cfg.Fsync)

	case SinkRedis:
		return NewRedisSink(ctx, cfg.Redis)

	case SinkSQLite, SinkPostgreSQL, SinkMongoDB:
		if db == nil {
			return nil, fmt.Errorf("%s sink requires a storage connection", cfg.Type)
		}
		if db.Type() != cfg.Type {
			return nil, fmt.Errorf("%s sink cannot write to %s storage", cfg.Type, db.Type())
		}
		store, err := NewStore(ctx, db, cfg.RetentionDays)
		if err != nil {
			return nil, err
		}
		if cfg.BufferSize > 0 {
			return NewBufferedSink(cfg.Type, store, BufferConfig{
				BufferSize:    cfg.BufferSize,
				FlushInterval: cfg.FlushInterval,
				OnError:       cfg.OnBatchError,
			}), nil
		}
		return NewStoreSink(cfg.Type, store), nil

	default:
		return nil, fmt.Errorf("unknown sink type: %s (valid: jsonl, sqlite, postgresql, mongodb, redis)", cfg.Type)
	}
}

// NewStore creates the Store for the given storage backend.
func NewStore(ctx context.Context, db storage.Storage, retentionDays int) (Store, error) {
	switch db.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(db.SQLiteDB(), retentionDays)

	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(ctx, db.PostgreSQLPool(), retentionDays)

	case storage.TypeMongoDB:
		return NewMongoDBStore(ctx, db.MongoDatabase(), retentionDays)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", db.Type())
	}
}

// NewReader creates the Reader for the given storage backend.
func NewReader(db storage.Storage) (Reader, error) {
	switch db.Type() {
	case storage.TypeSQLite:
		return NewSQLiteReader(db.SQLiteDB())

	case storage.TypePostgreSQL:
		return NewPostgreSQLReader(db.PostgreSQLPool())

	case storage.TypeMongoDB:
		return NewMongoDBReader(db.MongoDatabase())

	default:
		return nil, fmt.Errorf("unknown storage type: %s", db.Type())
	}
}
