package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/meridian-chat/meridian/internal/adapters/metrics"
	"github.com/meridian-chat/meridian/internal/domain"
	"github.com/meridian-chat/meridian/internal/domain/models"
	"github.com/meridian-chat/meridian/internal/ports"
)

// ackCacheTTL bounds how long a retried send gets the original ack back.
// The database unique key stays the source of dedupe truth; this only keeps
// the returned message ID stable across a client retry burst.
const ackCacheTTL = 30 * time.Second

// Producer validates inbound messages and appends them to the partitioned
// log. Every message of a conversation hashes to the same partition, which
// is what gives a conversation total order downstream.
type Producer struct {
	log        ports.MessageLog
	convRepo   ports.ConversationRepository
	memberRepo ports.MemberRepository
	ids        ports.IDGenerator
	acks       ports.ResultCache

	partitions int
	maxBytes   int
	// highWater > 0 enables backpressure on the partition backlog.
	highWater int64
}

func NewProducer(
	log ports.MessageLog,
	convRepo ports.ConversationRepository,
	memberRepo ports.MemberRepository,
	ids ports.IDGenerator,
	acks ports.ResultCache,
	partitions, maxBytes int,
	highWater int64,
) *Producer {
	return &Producer{
		log:        log,
		convRepo:   convRepo,
		memberRepo: memberRepo,
		ids:        ids,
		acks:       acks,
		partitions: partitions,
		maxBytes:   maxBytes,
		highWater:  highWater,
	}
}

func (p *Producer) PartitionFor(conversationID string) int {
	return int(xxhash.Sum64String(conversationID) % uint64(p.partitions))
}

// Produce validates, authorizes and enqueues one message. The returned
// envelope carries the assigned message ID so the caller can confirm it to
// the sender before persistence completes.
func (p *Producer) Produce(ctx context.Context, in *ports.SendInput) (*models.Envelope, error) {
	start := time.Now()
	env, err := p.produce(ctx, in)
	metrics.ProduceDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.MessagesProduced.WithLabelValues("rejected").Inc()
		return nil, err
	}
	metrics.MessagesProduced.WithLabelValues("ok").Inc()
	return env, nil
}

func (p *Producer) produce(ctx context.Context, in *ports.SendInput) (*models.Envelope, error) {
	if err := p.validate(in); err != nil {
		return nil, err
	}

	conv, err := p.convRepo.GetByID(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.AcceptsMessages() {
		return nil, domain.ErrConversationInactive
	}

	member, err := p.memberRepo.Get(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, err
	}
	if !member.IsActive {
		return nil, domain.ErrNotMember
	}

	recipients, err := p.memberRepo.ActiveUserIDs(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}

	// Direct conversations respect blocks in both directions.
	if conv.Kind == models.ConversationKindDirect {
		for _, r := range recipients {
			if r == in.SenderID {
				continue
			}
			blocked, err := p.memberRepo.IsBlocked(ctx, in.SenderID, r)
			if err != nil {
				return nil, err
			}
			if blocked {
				return nil, domain.ErrUserBlocked
			}
		}
	}

	now := time.Now().UTC()
	idempotencyKey := DeriveIdempotencyKey(in.ClientMessageID, in.SenderID, in.ConversationID, in.Content, now)

	// A retry inside the cache window gets the original ack back instead of
	// a second enqueue. Cache absence never affects correctness; the unique
	// key on the messages table catches anything that slips through.
	if p.acks != nil {
		var cached models.Envelope
		if hit, err := p.acks.Get(ctx, ackCacheKey(idempotencyKey), &cached); err == nil && hit {
			cached.IdempotentHit = true
			metrics.AckCacheHits.Inc()
			return &cached, nil
		}
	}

	partition := p.PartitionFor(in.ConversationID)
	if p.highWater > 0 {
		pending, err := p.log.PendingCount(ctx, partition)
		if err == nil && pending >= p.highWater {
			return nil, domain.ErrEnqueueThrottled
		}
	}

	correlationID := in.CorrelationID
	if correlationID == "" {
		correlationID = p.ids.CorrelationID()
	}
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	env := &models.Envelope{
		MessageID:      p.ids.MessageID(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		CreatedAt:      now,
		IdempotencyKey: idempotencyKey,
		CorrelationID:  correlationID,
		Metadata: models.EnvelopeMetadata{
			Content:      in.Content,
			ContentType:  in.ContentType,
			MediaURL:     in.MediaURL,
			Attachments:  in.Attachments,
			Priority:     priority,
			RecipientIDs: recipients,
			Client:       in.Client,
		},
	}
	if in.ReplyToID != "" || in.ThreadID != "" {
		env.Metadata.Flags = &models.EnvelopeFlags{
			ReplyToID: in.ReplyToID,
			ThreadID:  in.ThreadID,
		}
	}

	if _, err := p.log.Append(ctx, partition, env); err != nil {
		return nil, err
	}
	if p.acks != nil {
		_ = p.acks.Set(ctx, ackCacheKey(idempotencyKey), env, ackCacheTTL)
	}
	return env, nil
}

func ackCacheKey(idempotencyKey string) string {
	return "msg:ack:" + idempotencyKey
}

func (p *Producer) validate(in *ports.SendInput) error {
	switch {
	case in.ConversationID == "":
		return fmt.Errorf("%w: conversationId is required", domain.ErrInvalidSchema)
	case in.SenderID == "":
		return fmt.Errorf("%w: senderId is required", domain.ErrInvalidSchema)
	case !in.ContentType.Valid():
		return fmt.Errorf("%w: unknown content type %q", domain.ErrInvalidSchema, in.ContentType)
	}

	hasMedia := in.MediaURL != "" || len(in.Attachments) > 0
	if in.Content == "" && !hasMedia {
		return fmt.Errorf("%w: content is required for %s messages", domain.ErrInvalidSchema, in.ContentType)
	}
	if len(in.Content) > p.maxBytes {
		return fmt.Errorf("%w: content is %d bytes, limit %d", domain.ErrPayloadTooLarge, len(in.Content), p.maxBytes)
	}
	return nil
}

var _ ports.MessageProducer = (*Producer)(nil)
