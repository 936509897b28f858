package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/meridian-chat/meridian/internal/adapters/metrics"
	"github.com/meridian-chat/meridian/internal/domain"
	"github.com/meridian-chat/meridian/internal/domain/models"
	"github.com/meridian-chat/meridian/internal/ports"
)

// ConsumerConfig carries the per-partition processing knobs.
type ConsumerConfig struct {
	MaxRetries   int
	PollInterval time.Duration
	BatchSize    int
}

// Consumer owns exactly one partition: it drains its pending entries on
// startup, then processes new entries in order. Single ownership per
// partition is what preserves per-conversation ordering.
type Consumer struct {
	partition int
	name      string
	cfg       ConsumerConfig

	log      ports.MessageLog
	tx       ports.TransactionManager
	messages ports.MessageRepository
	receipts ports.ReceiptRepository
	convs    ports.ConversationRepository
	replay   ports.ReplayCache
	fanout   ports.FanoutQueue
}

func NewConsumer(
	partition int,
	cfg ConsumerConfig,
	messageLog ports.MessageLog,
	tx ports.TransactionManager,
	messages ports.MessageRepository,
	receipts ports.ReceiptRepository,
	convs ports.ConversationRepository,
	replay ports.ReplayCache,
	fanout ports.FanoutQueue,
) *Consumer {
	return &Consumer{
		partition: partition,
		name:      fmt.Sprintf("consumer-%d-%d", os.Getpid(), time.Now().UnixMilli()),
		cfg:       cfg,
		log:       messageLog,
		tx:        tx,
		messages:  messages,
		receipts:  receipts,
		convs:     convs,
		replay:    replay,
		fanout:    fanout,
	}
}

// Run processes the partition until the context is canceled. Pending
// entries are always drained before new ones are read, so a transiently
// failed entry retries in place and nothing newer overtakes it.
func (c *Consumer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		clear, err := c.drainPending(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("partition %d: draining pending entries: %v", c.partition, err)
			c.backoff(ctx)
			continue
		}
		if !clear {
			// The head entry failed again; wait before the next attempt so
			// the partition does not spin on it.
			c.backoff(ctx)
			continue
		}

		records, err := c.log.Read(ctx, c.partition, c.name, c.cfg.BatchSize, c.cfg.PollInterval)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("partition %d: read failed: %v", c.partition, err)
			c.backoff(ctx)
			continue
		}

		for _, record := range records {
			if !c.handle(ctx, record) {
				break
			}
		}

		if count, err := c.log.PendingCount(ctx, c.partition); err == nil {
			metrics.StreamPending.WithLabelValues(strconv.Itoa(c.partition)).Set(float64(count))
		}
	}
}

// drainPending re-processes entries claimed but not yet acknowledged:
// leftovers from a crash between persist and ack, and entries whose last
// attempt failed transiently. A false return means the head entry failed
// again and the partition must not advance past it.
func (c *Consumer) drainPending(ctx context.Context) (bool, error) {
	for {
		records, err := c.log.Pending(ctx, c.partition, c.name, c.cfg.BatchSize)
		if err != nil {
			return false, err
		}
		if len(records) == 0 {
			return true, nil
		}
		log.Printf("partition %d: reprocessing %d pending entries", c.partition, len(records))
		for _, record := range records {
			if !c.handle(ctx, record) {
				return false, nil
			}
		}
	}
}

func (c *Consumer) backoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.cfg.PollInterval):
	}
}

// handle processes one record. A false return means a transient failure
// left the entry unacknowledged; the caller stops the batch so the entry
// retries before anything newer is processed.
func (c *Consumer) handle(ctx context.Context, record *ports.StreamRecord) bool {
	env := record.Envelope

	start := time.Now()
	inserted, err := c.persist(ctx, env)
	metrics.PersistDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		if inserted {
			c.publish(env)
			metrics.MessagesConsumed.WithLabelValues("ok").Inc()
		} else {
			// The idempotency key already existed: a redelivery after a
			// crash between persist and ack, or a duplicate enqueue.
			metrics.MessagesConsumed.WithLabelValues("duplicate").Inc()
		}
		c.ack(ctx, record.EntryID)
		return true

	case isPermanent(err):
		log.Printf("partition %d: permanent failure for message %s: %v", c.partition, env.MessageID, err)
		c.deadLetter(ctx, record, err)
		return true

	default:
		attempts := int(record.Deliveries)
		if attempts < 1 {
			attempts = 1
		}
		if attempts > c.cfg.MaxRetries {
			env.Metadata.RetryCount = attempts
			log.Printf("partition %d: message %s exhausted %d retries: %v",
				c.partition, env.MessageID, c.cfg.MaxRetries, err)
			c.deadLetter(ctx, record, err)
			return true
		}
		metrics.ConsumerRetries.Inc()
		log.Printf("partition %d: transient failure for message %s (attempt %d/%d), retrying in place: %v",
			c.partition, env.MessageID, attempts, c.cfg.MaxRetries+1, err)
		return false
	}
}

// persist writes the message row, its sent receipts and the conversation
// pointer in one transaction, then feeds the replay cache. The replay push
// is outside the transaction: losing it costs a cache miss, not a message.
func (c *Consumer) persist(ctx context.Context, env *models.Envelope) (bool, error) {
	msg := messageFromEnvelope(env)

	var inserted bool
	err := c.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		inserted, err = c.messages.Upsert(txCtx, msg)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}

		receipts := make([]*models.Receipt, 0, len(env.Metadata.RecipientIDs))
		now := time.Now().UTC()
		for _, recipient := range env.Metadata.RecipientIDs {
			if recipient == env.SenderID {
				continue
			}
			receipts = append(receipts, &models.Receipt{
				MessageID:       msg.ID,
				ConversationID:  msg.ConversationID,
				RecipientUserID: recipient,
				State:           models.ReceiptSent,
				RecordedAt:      now,
			})
		}
		if err := c.receipts.Record(txCtx, receipts); err != nil {
			return err
		}

		return c.convs.TouchLastMessage(txCtx, msg.ConversationID, msg.ID, msg.CreatedAt)
	})
	if err != nil {
		return false, err
	}

	if inserted {
		if err := c.replay.Push(ctx, msg.ConversationID, msg); err != nil {
			log.Printf("partition %d: replay cache push failed for %s: %v", c.partition, msg.ID, err)
		}
	}
	return inserted, nil
}

func (c *Consumer) publish(env *models.Envelope) {
	msg := messageFromEnvelope(env)

	others := make([]string, 0, len(env.Metadata.RecipientIDs))
	for _, r := range env.Metadata.RecipientIDs {
		if r != env.SenderID {
			others = append(others, r)
		}
	}

	c.fanout.Enqueue(&ports.FanoutEvent{
		Type:           EventNewMessage,
		ConversationID: env.ConversationID,
		RecipientIDs:   others,
		Message:        msg,
	})
	// The sender gets a confirmation with the server-assigned ID.
	c.fanout.Enqueue(&ports.FanoutEvent{
		Type:           EventMessageSent,
		ConversationID: env.ConversationID,
		RecipientIDs:   []string{env.SenderID},
		Message:        msg,
	})
}

func (c *Consumer) deadLetter(ctx context.Context, record *ports.StreamRecord, cause error) {
	metrics.DeadLettered.Inc()
	metrics.MessagesConsumed.WithLabelValues("dead").Inc()
	if err := c.log.Dead(ctx, c.partition, record.EntryID, record.Envelope, cause.Error()); err != nil {
		log.Printf("partition %d: dead letter failed for %s: %v", c.partition, record.Envelope.MessageID, err)
	}
}

func (c *Consumer) ack(ctx context.Context, entryID string) {
	if err := c.log.Ack(ctx, c.partition, entryID); err != nil {
		log.Printf("partition %d: ack failed for %s: %v", c.partition, entryID, err)
	}
}

func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrPersistencePermanent) ||
		errors.Is(err, domain.ErrConversationNotFound)
}

func messageFromEnvelope(env *models.Envelope) *models.Message {
	msg := &models.Message{
		ID:             env.MessageID,
		ConversationID: env.ConversationID,
		SenderID:       env.SenderID,
		Content:        env.Metadata.Content,
		ContentType:    env.Metadata.ContentType,
		MediaURL:       env.Metadata.MediaURL,
		IdempotencyKey: env.IdempotencyKey,
		CorrelationID:  env.CorrelationID,
		Attachments:    env.Metadata.Attachments,
		CreatedAt:      env.CreatedAt,
		UpdatedAt:      env.CreatedAt,
	}
	if flags := env.Metadata.Flags; flags != nil {
		msg.IsEdited = flags.IsEdited
		msg.IsDeleted = flags.IsDeleted
		msg.ReplyToID = flags.ReplyToID
		msg.ThreadID = flags.ThreadID
	}
	return msg
}

// Workers runs one consumer per partition.
type Workers struct {
	consumers []*Consumer
}

func NewWorkers(partitions int, cfg ConsumerConfig, build func(partition int) *Consumer) *Workers {
	w := &Workers{}
	for p := 0; p < partitions; p++ {
		w.consumers = append(w.consumers, build(p))
	}
	return w
}

// Run blocks until the context is canceled and every consumer has stopped.
func (w *Workers) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, consumer := range w.consumers {
		wg.Add(1)
		go func(c *Consumer) {
			defer wg.Done()
			c.Run(ctx)
		}(consumer)
	}
	wg.Wait()
}
