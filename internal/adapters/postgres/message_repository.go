package postgres

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5"

	"github.com/meridian-chat/meridian/internal/domain"
	"github.com/meridian-chat/meridian/internal/domain/models"
	"github.com/meridian-chat/meridian/internal/ports"
)

type MessageRepository struct {
	BaseRepository
}

func NewMessageRepository(db *Router) *MessageRepository {
	return &MessageRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const messageColumns = `
	id, conversation_id, sender_id, content, content_type, media_url,
	idempotency_key, correlation_id, is_edited, is_deleted, deleted_by,
	reply_to_id, thread_id, attachments, created_at, updated_at`

const qualifiedMessageColumns = `
	m.id, m.conversation_id, m.sender_id, m.content, m.content_type, m.media_url,
	m.idempotency_key, m.correlation_id, m.is_edited, m.is_deleted, m.deleted_by,
	m.reply_to_id, m.thread_id, m.attachments, m.created_at, m.updated_at`

// Upsert inserts a message. A duplicate idempotency key makes the insert a
// no-op; the false return tells the consumer the row was already there so
// it can acknowledge without a second fan-out.
func (r *MessageRepository) Upsert(ctx context.Context, message *models.Message) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	attachments, err := marshalJSONSlice(message.Attachments)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO messages (
			id, conversation_id, sender_id, content, content_type, media_url,
			idempotency_key, correlation_id, is_edited, is_deleted,
			reply_to_id, thread_id, attachments, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		ON CONFLICT (idempotency_key) DO NOTHING`

	tag, err := r.conn(ctx).Exec(ctx, query,
		message.ID,
		message.ConversationID,
		message.SenderID,
		message.Content,
		message.ContentType,
		nullString(message.MediaURL),
		message.IdempotencyKey,
		nullString(message.CorrelationID),
		message.IsEdited,
		message.IsDeleted,
		nullString(message.ReplyToID),
		nullString(message.ThreadID),
		attachments,
		message.CreatedAt,
		message.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	return r.scanMessage(r.readConn(ctx).QueryRow(ctx, query, id))
}

// ListByConversation pages backward from the cursor. Messages are returned
// newest first; the cursor is the ID of the oldest message of the page.
// Soft-deleted messages are visible only to the user who deleted them.
func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID string, q ports.HistoryQuery) (*ports.MessagePage, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		  AND ($2 = '' OR id < $2)
		  AND (NOT is_deleted OR deleted_by = $3)
		  AND ($4::timestamptz IS NULL OR created_at < $4)
		  AND ($5::timestamptz IS NULL OR created_at > $5)
		ORDER BY id DESC
		LIMIT $6`

	// One extra row decides whether another page exists.
	rows, err := r.readConn(ctx).Query(ctx, query,
		conversationID, q.Cursor, q.ViewerID, nullTimeValue(q.Before), nullTimeValue(q.After), q.Limit+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages, err := r.scanMessages(rows)
	if err != nil {
		return nil, err
	}

	page := &ports.MessagePage{Messages: messages}
	if len(messages) > q.Limit {
		page.Messages = messages[:q.Limit]
		page.NextCursor = messages[q.Limit-1].ID
	}
	return page, nil
}

func (r *MessageRepository) MarkDeleted(ctx context.Context, messageID, deletedBy string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE messages
		SET is_deleted = true, deleted_by = $2, content = '', updated_at = NOW()
		WHERE id = $1 AND NOT is_deleted`

	tag, err := r.conn(ctx).Exec(ctx, query, messageID, deletedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *MessageRepository) UpdateContent(ctx context.Context, messageID, content string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE messages
		SET content = $2, is_edited = true, updated_at = NOW()
		WHERE id = $1 AND NOT is_deleted`

	tag, err := r.conn(ctx).Exec(ctx, query, messageID, content)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

// UnreadCounts aggregates unread totals for all the given conversations in
// one query.
func (r *MessageRepository) UnreadCounts(ctx context.Context, userID string, conversationIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return counts, nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT m.conversation_id, COUNT(*)
		FROM messages m
		WHERE m.conversation_id = ANY($2)
		  AND m.sender_id <> $1
		  AND NOT m.is_deleted
		  AND NOT EXISTS (
			SELECT 1 FROM message_receipts r
			WHERE r.message_id = m.id AND r.recipient_user_id = $1 AND r.state = 'read'
		  )
		GROUP BY m.conversation_id`

	rows, err := r.readConn(ctx).Query(ctx, query, userID, conversationIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		counts[id] = count
	}
	return counts, rows.Err()
}

// SearchForUser matches message content across every conversation the user
// is an active member of, newest first. Membership gating happens in the
// query so a search can never leak another conversation's messages.
func (r *MessageRepository) SearchForUser(ctx context.Context, userID, query string, limit int) ([]*models.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	q := `
		SELECT ` + qualifiedMessageColumns + `
		FROM messages m
		JOIN conversation_members cm
		  ON cm.conversation_id = m.conversation_id
		 AND cm.user_id = $1
		 AND cm.is_active
		WHERE m.content ILIKE '%' || $2 || '%'
		  AND NOT m.is_deleted
		ORDER BY m.id DESC
		LIMIT $3`

	rows, err := r.readConn(ctx).Query(ctx, q, userID, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanMessages(rows)
}

func (r *MessageRepository) scanMessage(row pgx.Row) (*models.Message, error) {
	m, err := scanMessageFields(row)
	if err != nil {
		if checkNoRows(err) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}
	return m, nil
}

func (r *MessageRepository) scanMessages(rows pgx.Rows) ([]*models.Message, error) {
	messages := make([]*models.Message, 0)
	for rows.Next() {
		m, err := scanMessageFields(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func scanMessageFields(row pgx.Row) (*models.Message, error) {
	var m models.Message
	var mediaURL, correlationID, deletedBy, replyToID, threadID sql.NullString
	var attachments []byte

	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.Content,
		&m.ContentType,
		&mediaURL,
		&m.IdempotencyKey,
		&correlationID,
		&m.IsEdited,
		&m.IsDeleted,
		&deletedBy,
		&replyToID,
		&threadID,
		&attachments,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.MediaURL = getString(mediaURL)
	m.CorrelationID = getString(correlationID)
	m.DeletedBy = getString(deletedBy)
	m.ReplyToID = getString(replyToID)
	m.ThreadID = getString(threadID)
	m.Attachments, err = unmarshalJSONSlice[models.Attachment](attachments)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
