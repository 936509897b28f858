package ports

import (
	"context"
	"time"

	"github.com/meridian-chat/meridian/internal/domain/models"
)

// StreamRecord is one pending entry handed to a consumer: the decoded
// envelope plus the log entry ID needed to acknowledge it. Deliveries
// counts how many times the entry has been handed out, current attempt
// included; it drives the retry budget.
type StreamRecord struct {
	EntryID    string
	Envelope   *models.Envelope
	Deliveries int64
}

// MessageLog is the durable partitioned log between producer and consumers.
// Entries survive process restarts and stay owned by the log until
// acknowledged.
type MessageLog interface {
	// Append writes an envelope to the given partition and returns the
	// assigned entry ID.
	Append(ctx context.Context, partition int, env *models.Envelope) (string, error)

	// Read blocks up to the given duration for new entries on the partition,
	// claiming them for the named consumer.
	Read(ctx context.Context, partition int, consumer string, count int, block time.Duration) ([]*StreamRecord, error)

	// Pending returns entries already claimed but not yet acknowledged,
	// which a restarting consumer must drain before reading new ones.
	Pending(ctx context.Context, partition int, consumer string, count int) ([]*StreamRecord, error)

	Ack(ctx context.Context, partition int, entryID string) error

	// Dead moves a poisoned envelope to the partition's dead letter stream
	// and acknowledges the original entry.
	Dead(ctx context.Context, partition int, entryID string, env *models.Envelope, reason string) error

	// PendingCount reports the partition backlog for backpressure checks.
	PendingCount(ctx context.Context, partition int) (int64, error)
}

// PresenceStore tracks live session bindings with a TTL. Bindings that are
// not extended before the TTL elapses disappear on their own.
type PresenceStore interface {
	Bind(ctx context.Context, userID string, binding *models.SessionBinding, ttl time.Duration) error
	Extend(ctx context.Context, userID, socketID string, ttl time.Duration) error
	Unbind(ctx context.Context, userID, socketID string) error
	Get(ctx context.Context, userID string) (*models.PresenceStatus, error)
	GetMany(ctx context.Context, userIDs []string) (map[string]*models.PresenceStatus, error)
}

// ReplayCache holds the recent tail of each conversation so a resuming
// session can catch up without a database read.
type ReplayCache interface {
	Push(ctx context.Context, conversationID string, msg *models.Message) error

	// Since returns cached messages with IDs strictly greater than sinceID,
	// oldest first. A false second return means the cache cannot answer and
	// the caller must fall back to the database.
	Since(ctx context.Context, conversationID, sinceID string) ([]*models.Message, bool, error)
}

// ResultCache is the optional read-side cache for conversation listings and
// unread counts. Implementations may be a no-op.
type ResultCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

// TokenClaims is the verified identity extracted from a handshake token.
type TokenClaims struct {
	UserID    string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
}

// TokenVerifier validates handshake tokens. Verification failures carry a
// stable code for the close frame.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*TokenClaims, error)
}

// SendInput is an inbound message before validation. ClientMessageID, when
// present, anchors the idempotency key so client retries collapse.
type SendInput struct {
	ConversationID  string
	SenderID        string
	Content         string
	ContentType     models.MessageType
	MediaURL        string
	ClientMessageID string
	CorrelationID   string
	Priority        models.Priority
	ReplyToID       string
	ThreadID        string
	Client          string
	Attachments     []models.Attachment
}

// MessageProducer validates inbound messages and appends them to the log.
type MessageProducer interface {
	Produce(ctx context.Context, in *SendInput) (*models.Envelope, error)
	PartitionFor(conversationID string) int
}

// FanoutEvent is a realtime event destined for the live sessions of a set of
// users. Consumers enqueue these; the gateway drains them. UserID and
// MessageIDs carry the acting user and affected messages for receipt
// events.
type FanoutEvent struct {
	Type           string
	ConversationID string
	UserID         string
	RecipientIDs   []string
	Message        *models.Message
	MessageIDs     []string
	Receipts       []*models.Receipt
}

// FanoutQueue decouples persistence from socket delivery so a slow or
// disconnected socket never blocks a consumer.
type FanoutQueue interface {
	Enqueue(ev *FanoutEvent)
	Events() <-chan *FanoutEvent
	Close()
}

// ReplicaHealth reports whether reads may be routed to the replica. It is
// driven by the lag monitor and the replica circuit breaker.
type ReplicaHealth interface {
	Healthy() bool
	LagSeconds() float64
}

// IDGenerator produces the service's entity identifiers.
type IDGenerator interface {
	ConversationID() string
	MessageID() string
	SocketID() string
	CorrelationID() string
}
