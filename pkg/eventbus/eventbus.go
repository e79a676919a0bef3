// Package eventbus publishes the three event topics spec.md §6.3 names
// (feature-query-logs, migration-events, cleanup-events) onto Redis Streams,
// grounded on the teacher's pkg/redis StreamsClient and its redis_publisher.go
// wrapper. Each topic is split into a fixed number of stream shards, and a
// key's events always land in the same shard, so a single consumer group
// member sees a key's events in order even though the topic as a whole is
// consumed by many members.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/featurehub/featurehub/pkg/models"
	"github.com/featurehub/featurehub/pkg/observability"
	"github.com/featurehub/featurehub/pkg/redis"
)

// Topic names the three unchanged event-bus streams from spec.md §6.3.
type Topic string

const (
	TopicQueryLogs       Topic = "feature-query-logs"
	TopicMigrationEvents Topic = "migration-events"
	TopicCleanupEvents   Topic = "cleanup-events"
)

// Config controls shard fan-out per topic.
type Config struct {
	// Shards is the number of stream shards each topic is split into.
	// Must be >= 1; defaults to 8 if unset.
	Shards int
}

// Bus publishes FeatureHub domain events to their Redis Streams topics.
type Bus struct {
	client  *redis.StreamsClient
	shards  int
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New wraps an already-connected StreamsClient for event publication.
func New(client *redis.StreamsClient, cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Bus {
	shards := cfg.Shards
	if shards <= 0 {
		shards = 8
	}
	return &Bus{client: client, shards: shards, logger: logger, metrics: metrics}
}

// shardFor returns the stream name a key's events are routed to within a
// topic: a consistent hash of the key mod the shard count, so repeated
// events for the same key always hit the same stream (spec.md §9).
func (b *Bus) shardFor(topic Topic, key string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	shard := int(h.Sum32()) % b.shards
	if shard < 0 {
		shard += b.shards
	}
	return fmt.Sprintf("%s-%d", topic, shard)
}

func (b *Bus) publish(ctx context.Context, topic Topic, key string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}

	stream := b.shardFor(topic, key)
	start := time.Now()
	_, err = b.client.AddToStream(ctx, stream, map[string]interface{}{
		"key":     key,
		"payload": string(body),
	})
	if b.metrics != nil {
		b.metrics.RecordOperation("eventbus", string(topic), err == nil, time.Since(start).Seconds(), map[string]string{
			"stream": stream,
		})
	}
	if err != nil {
		if b.logger != nil {
			b.logger.Error("failed to publish event", map[string]interface{}{
				"topic": string(topic),
				"key":   key,
				"error": err.Error(),
			})
		}
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	return nil
}

// PublishQueryLog emits a read-path telemetry record (spec.md §3.2). Callers
// on the router's read path treat a publish failure as non-fatal to the
// read itself — the event bus is best-effort observability, not a
// correctness dependency (spec.md §9).
func (b *Bus) PublishQueryLog(ctx context.Context, log models.QueryLog) error {
	return b.publish(ctx, TopicQueryLogs, log.Key, log)
}

// PublishMigrationEvent emits a migration lifecycle record (spec.md §3.3),
// keyed by task ID so all events for one migration task land on the same
// shard.
func (b *Bus) PublishMigrationEvent(ctx context.Context, rec models.MigrationRecord) error {
	return b.publish(ctx, TopicMigrationEvents, rec.TaskID, rec)
}

// PublishCleanupEvent emits a cleanup sweep record (spec.md §3.4).
func (b *Bus) PublishCleanupEvent(ctx context.Context, rec models.CleanupRecord) error {
	return b.publish(ctx, TopicCleanupEvents, rec.TaskID, rec)
}

// Close releases the underlying Redis connection.
func (b *Bus) Close() error {
	return b.client.Close()
}
