package redis

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridian-chat/meridian/internal/domain"
	"github.com/meridian-chat/meridian/internal/domain/models"
	"github.com/meridian-chat/meridian/internal/ports"
)

const consumerGroup = "persistence-workers"

// StreamLog implements the durable message log on Redis streams, one stream
// per partition plus a dead letter stream. Entries belong to the consumer
// group until XACKed, so a crashed consumer's claims survive restarts.
type StreamLog struct {
	client    *redis.Client
	keyPrefix string
}

func NewStreamLog(client *redis.Client, keyPrefix string) *StreamLog {
	return &StreamLog{client: client, keyPrefix: keyPrefix}
}

func (s *StreamLog) streamKey(partition int) string {
	return fmt.Sprintf("%s:stream:%d", s.keyPrefix, partition)
}

func (s *StreamLog) dlqKey(partition int) string {
	return fmt.Sprintf("%s:dlq:%d", s.keyPrefix, partition)
}

// EnsureGroups creates the consumer group on every partition stream.
// Re-creating an existing group is not an error.
func (s *StreamLog) EnsureGroups(ctx context.Context, partitions int) error {
	for p := 0; p < partitions; p++ {
		err := s.client.XGroupCreateMkStream(ctx, s.streamKey(p), consumerGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group for partition %d: %w", p, err)
		}
	}
	return nil
}

func (s *StreamLog) Append(ctx context.Context, partition int, env *models.Envelope) (string, error) {
	fields, err := env.Fields()
	if err != nil {
		return "", err
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(partition),
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEnqueueFailed, err)
	}
	return id, nil
}

func (s *StreamLog) Read(ctx context.Context, partition int, consumer string, count int, block time.Duration) ([]*ports.StreamRecord, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  []string{s.streamKey(partition), ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	records := s.toRecords(partition, streams)
	for _, r := range records {
		r.Deliveries = 1
	}
	return records, nil
}

// Pending returns entries this consumer claimed but never acknowledged.
// Reading from ID 0 re-delivers the consumer's own pending list; the PEL
// delivery counters become the records' Deliveries.
func (s *StreamLog) Pending(ctx context.Context, partition int, consumer string, count int) ([]*ports.StreamRecord, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  []string{s.streamKey(partition), "0"},
		Count:    int64(count),
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	records := s.toRecords(partition, streams)
	if len(records) == 0 {
		return records, nil
	}

	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   s.streamKey(partition),
		Group:    consumerGroup,
		Consumer: consumer,
		Start:    "-",
		End:      "+",
		Count:    int64(count),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	counts := make(map[string]int64, len(pending))
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	for _, r := range records {
		r.Deliveries = counts[r.EntryID]
		if r.Deliveries < 1 {
			r.Deliveries = 1
		}
	}
	return records, nil
}

func (s *StreamLog) Ack(ctx context.Context, partition int, entryID string) error {
	return s.client.XAck(ctx, s.streamKey(partition), consumerGroup, entryID).Err()
}

func (s *StreamLog) Dead(ctx context.Context, partition int, entryID string, env *models.Envelope, reason string) error {
	fields, err := env.Fields()
	if err != nil {
		// The envelope decoded once already; losing it here would drop the
		// poison record entirely, so keep whatever identity we have.
		fields = map[string]interface{}{"messageId": env.MessageID}
	}
	fields["failureReason"] = reason
	fields["failedAt"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: s.dlqKey(partition), Values: fields})
	pipe.XAck(ctx, s.streamKey(partition), consumerGroup, entryID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead letter entry %s: %w", entryID, err)
	}
	return nil
}

func (s *StreamLog) PendingCount(ctx context.Context, partition int) (int64, error) {
	info, err := s.client.XPending(ctx, s.streamKey(partition), consumerGroup).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return info.Count, nil
}

func (s *StreamLog) toRecords(partition int, streams []redis.XStream) []*ports.StreamRecord {
	var records []*ports.StreamRecord
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			env, err := models.EnvelopeFromFields(stringValues(msg.Values))
			if err != nil {
				// Undecodable entries are acknowledged away; they can never
				// succeed and would wedge the partition.
				log.Printf("partition %d: dropping undecodable entry %s: %v", partition, msg.ID, err)
				s.client.XAck(context.Background(), s.streamKey(partition), consumerGroup, msg.ID)
				continue
			}
			records = append(records, &ports.StreamRecord{EntryID: msg.ID, Envelope: env})
		}
	}
	return records
}

func stringValues(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
