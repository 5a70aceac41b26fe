package usage

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/redis"
)

// Sink persists usage records. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, rec models.UsageRecord) error
}

// RedisSink keeps a cumulative per-tenant hash keyed by endpoint plus a
// per-minute hash for timeseries queries. Only the minute buckets expire.
type RedisSink struct {
	client    *redis.Client
	prefix    string
	bucketTTL time.Duration
}

type RedisSinkOption func(*RedisSink)

func WithPrefix(prefix string) RedisSinkOption {
	return func(s *RedisSink) { s.prefix = strings.Trim(prefix, ":") }
}

func WithBucketTTL(d time.Duration) RedisSinkOption {
	return func(s *RedisSink) { s.bucketTTL = d }
}

func NewRedisSink(client *redis.Client, opts ...RedisSinkOption) *RedisSink {
	s := &RedisSink{
		client:    client,
		prefix:    "usage",
		bucketTTL: 48 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisSink) Record(ctx context.Context, rec models.UsageRecord) error {
	at := rec.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	incr := int64(rec.Increment)
	if incr <= 0 {
		incr = 1
	}

	totals := s.prefix + ":" + rec.TenantID
	bucket := totals + ":" + at.UTC().Format("200601021504")
	return s.client.RecordUsage(ctx, totals, bucket, rec.Endpoint, incr, s.bucketTTL)
}

// PostgresSink appends records to usage_records for the billing service.
type PostgresSink struct {
	db *database.DB
}

func NewPostgresSink(db *database.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Record(ctx context.Context, rec models.UsageRecord) error {
	return s.db.InsertUsageRecord(ctx, rec)
}

// LogSink writes records to the log; used when no store is configured.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "usage_log").Logger()}
}

func (s *LogSink) Record(_ context.Context, rec models.UsageRecord) error {
	s.logger.Debug().
		Str("tenant_id", rec.TenantID).
		Str("endpoint", rec.Endpoint).
		Str("method", rec.Method).
		Int("status", rec.Status).
		Bool("cache_hit", rec.CacheHit).
		Time("at", rec.Timestamp).
		Msg("usage")
	return nil
}
