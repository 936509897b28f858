package ports

import (
	"context"
	"time"

	"github.com/meridian-chat/meridian/internal/domain/models"
)

// MessagePage is one page of conversation history plus the cursor for the
// next older page. NextCursor is empty on the last page.
type MessagePage struct {
	Messages   []*models.Message
	NextCursor string
}

// HistoryQuery narrows a history page: a keyset cursor, optional creation
// time bounds, and the viewing user. Soft-deleted messages are hidden from
// everyone except the user who deleted them.
type HistoryQuery struct {
	Cursor   string
	Before   time.Time
	After    time.Time
	Limit    int
	ViewerID string
}

// ConversationCursor identifies the position of a conversation in the
// activity-ordered listing (most recent activity first, ID as tiebreak).
type ConversationCursor struct {
	LastMessageAt time.Time
	ConversationID string
}

// ConversationRepository defines operations for conversation persistence
type ConversationRepository interface {
	Create(ctx context.Context, conversation *models.Conversation, members []*models.ConversationMember) error
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	Update(ctx context.Context, conversation *models.Conversation) error
	SoftDelete(ctx context.Context, id string) error

	// FindDirect returns the existing direct conversation between two users,
	// or ErrConversationNotFound.
	FindDirect(ctx context.Context, userA, userB string) (*models.Conversation, error)

	// ListForUser returns activity-ordered summaries with unread and
	// participant counts aggregated in the same round trip.
	ListForUser(ctx context.Context, userID string, cursor *ConversationCursor, limit int) ([]*models.ConversationSummary, error)

	// TouchLastMessage advances the denormalized last-message pointer. It is
	// a no-op when the stored pointer is already newer.
	TouchLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error

	SearchForUser(ctx context.Context, userID, query string, limit int) ([]*models.ConversationSummary, error)
}

// MemberRepository defines operations for conversation membership
type MemberRepository interface {
	Add(ctx context.Context, member *models.ConversationMember) error
	Get(ctx context.Context, conversationID, userID string) (*models.ConversationMember, error)
	ListByConversation(ctx context.Context, conversationID string) ([]*models.ConversationMember, error)

	// ActiveUserIDs returns the user IDs of every active member; it feeds
	// fan-out recipient resolution.
	ActiveUserIDs(ctx context.Context, conversationID string) ([]string, error)

	UpdateRole(ctx context.Context, conversationID, userID string, role models.MemberRole) error
	Deactivate(ctx context.Context, conversationID, userID string) error
	SetArchived(ctx context.Context, conversationID, userID string, archived bool) error

	// CountOwners returns the number of active owners, used to guard
	// against demoting or removing the last one.
	CountOwners(ctx context.Context, conversationID string) (int, error)

	// IsBlocked reports whether either user has blocked the other.
	IsBlocked(ctx context.Context, userID, otherUserID string) (bool, error)
}

// MessageRepository defines operations for message persistence
type MessageRepository interface {
	// Upsert inserts the message, or does nothing if a row with the same
	// idempotency key already exists. It reports whether a row was written.
	Upsert(ctx context.Context, message *models.Message) (bool, error)

	GetByID(ctx context.Context, id string) (*models.Message, error)

	// ListByConversation pages backward through history. An empty cursor
	// starts from the newest message.
	ListByConversation(ctx context.Context, conversationID string, q HistoryQuery) (*MessagePage, error)

	MarkDeleted(ctx context.Context, messageID, deletedBy string) error
	UpdateContent(ctx context.Context, messageID, content string) error

	// UnreadCounts returns per-conversation unread totals for a user in one
	// query across all the given conversations.
	UnreadCounts(ctx context.Context, userID string, conversationIDs []string) (map[string]int, error)

	// SearchForUser finds messages matching the query across the user's
	// active conversations, newest first.
	SearchForUser(ctx context.Context, userID, query string, limit int) ([]*models.Message, error)
}

// ReceiptRepository defines operations for delivery receipt persistence
type ReceiptRepository interface {
	// Record inserts receipt rows, skipping triples that already exist.
	// Recording read also materializes sent and delivered.
	Record(ctx context.Context, receipts []*models.Receipt) error

	ListByMessage(ctx context.Context, messageID string) ([]*models.Receipt, error)

	// MarkConversationRead records read receipts for every message in the
	// conversation the user has not yet read, up to and including messageID.
	MarkConversationRead(ctx context.Context, conversationID, userID, messageID string) (int, error)

	// MarkMessagesRead records read receipts for exactly the listed
	// messages and reports how many of them became read.
	MarkMessagesRead(ctx context.Context, conversationID, userID string, messageIDs []string) (int, error)
}

// TransactionManager manages database transactions across repositories
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
