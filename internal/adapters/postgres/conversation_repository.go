package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meridian-chat/meridian/internal/domain"
	"github.com/meridian-chat/meridian/internal/domain/models"
	"github.com/meridian-chat/meridian/internal/ports"
)

type ConversationRepository struct {
	BaseRepository
}

func NewConversationRepository(db *Router) *ConversationRepository {
	return &ConversationRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

func (r *ConversationRepository) Create(ctx context.Context, conversation *models.Conversation, members []*models.ConversationMember) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO conversations (
			id, kind, title, description, is_active, is_pinned, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)`

	_, err := r.conn(ctx).Exec(ctx, query,
		conversation.ID,
		conversation.Kind,
		nullString(conversation.Title),
		nullString(conversation.Description),
		conversation.IsActive,
		conversation.IsPinned,
		conversation.CreatedAt,
		conversation.UpdatedAt,
	)
	if err != nil {
		return err
	}

	memberQuery := `
		INSERT INTO conversation_members (
			conversation_id, user_id, role, is_active, is_archived, joined_at
		) VALUES ($1, $2, $3, $4, $5, $6)`

	for _, m := range members {
		_, err = r.conn(ctx).Exec(ctx, memberQuery,
			m.ConversationID, m.UserID, m.Role, m.IsActive, m.IsArchived, m.JoinedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, kind, title, description, is_active, is_pinned,
		       last_message_id, last_message_at,
		       created_at, updated_at, deleted_at
		FROM conversations
		WHERE id = $1 AND deleted_at IS NULL`

	return r.scanConversation(r.readConn(ctx).QueryRow(ctx, query, id))
}

func (r *ConversationRepository) Update(ctx context.Context, conversation *models.Conversation) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE conversations
		SET title = $2,
			description = $3,
			is_active = $4,
			is_pinned = $5,
			updated_at = $6
		WHERE id = $1 AND deleted_at IS NULL`

	_, err := r.conn(ctx).Exec(ctx, query,
		conversation.ID,
		nullString(conversation.Title),
		nullString(conversation.Description),
		conversation.IsActive,
		conversation.IsPinned,
		conversation.UpdatedAt,
	)
	return err
}

func (r *ConversationRepository) SoftDelete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE conversations
		SET deleted_at = NOW(), is_active = false
		WHERE id = $1 AND deleted_at IS NULL`

	_, err := r.conn(ctx).Exec(ctx, query, id)
	return err
}

func (r *ConversationRepository) FindDirect(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT c.id, c.kind, c.title, c.description, c.is_active, c.is_pinned,
		       c.last_message_id, c.last_message_at,
		       c.created_at, c.updated_at, c.deleted_at
		FROM conversations c
		WHERE c.kind = 'direct' AND c.deleted_at IS NULL
		  AND EXISTS (SELECT 1 FROM conversation_members m
		              WHERE m.conversation_id = c.id AND m.user_id = $1 AND m.is_active)
		  AND EXISTS (SELECT 1 FROM conversation_members m
		              WHERE m.conversation_id = c.id AND m.user_id = $2 AND m.is_active)
		LIMIT 1`

	return r.scanConversation(r.readConn(ctx).QueryRow(ctx, query, userA, userB))
}

// ListForUser returns activity-ordered summaries for one page. Unread and
// participant counts come back in the same query so listing a page is a
// single round trip regardless of page size.
func (r *ConversationRepository) ListForUser(ctx context.Context, userID string, cursor *ports.ConversationCursor, limit int) ([]*models.ConversationSummary, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT c.id, c.kind, c.title, c.description, c.is_active, c.is_pinned,
		       c.last_message_id, c.last_message_at,
		       c.created_at, c.updated_at, c.deleted_at,
		       (SELECT COUNT(*) FROM conversation_members pm
		        WHERE pm.conversation_id = c.id AND pm.is_active) AS participant_count,
		       (SELECT COUNT(*) FROM messages msg
		        WHERE msg.conversation_id = c.id
		          AND msg.sender_id <> $1
		          AND NOT msg.is_deleted
		          AND NOT EXISTS (SELECT 1 FROM message_receipts rc
		                          WHERE rc.message_id = msg.id
		                            AND rc.recipient_user_id = $1
		                            AND rc.state = 'read')) AS unread_count
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = $1 AND m.is_active AND NOT m.is_archived
		  AND c.deleted_at IS NULL
		  AND (COALESCE(c.last_message_at, c.created_at), c.id) < ($2::timestamptz, $3)
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id DESC
		LIMIT $4`

	cursorAt := time.Now().Add(24 * time.Hour)
	cursorID := "~" // sorts after every generated id
	if cursor != nil {
		cursorAt = cursor.LastMessageAt
		cursorID = cursor.ConversationID
	}

	rows, err := r.readConn(ctx).Query(ctx, query, userID, cursorAt, cursorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanSummaries(rows)
}

func (r *ConversationRepository) SearchForUser(ctx context.Context, userID, search string, limit int) ([]*models.ConversationSummary, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT c.id, c.kind, c.title, c.description, c.is_active, c.is_pinned,
		       c.last_message_id, c.last_message_at,
		       c.created_at, c.updated_at, c.deleted_at,
		       (SELECT COUNT(*) FROM conversation_members pm
		        WHERE pm.conversation_id = c.id AND pm.is_active) AS participant_count,
		       0 AS unread_count
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = $1 AND m.is_active
		  AND c.deleted_at IS NULL
		  AND (c.title ILIKE '%' || $2 || '%' OR c.description ILIKE '%' || $2 || '%')
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
		LIMIT $3`

	rows, err := r.readConn(ctx).Query(ctx, query, userID, search, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanSummaries(rows)
}

// TouchLastMessage advances the last-message pointer. GREATEST keeps the
// pointer monotone when consumers persist out of order.
func (r *ConversationRepository) TouchLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE conversations
		SET last_message_id = CASE
				WHEN last_message_at IS NULL OR last_message_at <= $3 THEN $2
				ELSE last_message_id
			END,
			last_message_at = GREATEST(COALESCE(last_message_at, $3), $3),
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`

	_, err := r.conn(ctx).Exec(ctx, query, conversationID, messageID, at)
	return err
}

func (r *ConversationRepository) scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	var title, description, lastMessageID sql.NullString
	var lastMessageAt, deletedAt sql.NullTime

	err := row.Scan(
		&c.ID,
		&c.Kind,
		&title,
		&description,
		&c.IsActive,
		&c.IsPinned,
		&lastMessageID,
		&lastMessageAt,
		&c.CreatedAt,
		&c.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		if checkNoRows(err) {
			return nil, domain.ErrConversationNotFound
		}
		return nil, err
	}

	c.Title = getString(title)
	c.Description = getString(description)
	c.LastMessageID = getString(lastMessageID)
	c.LastMessageAt = getTimePtr(lastMessageAt)
	c.DeletedAt = getTimePtr(deletedAt)
	return &c, nil
}

func (r *ConversationRepository) scanSummaries(rows pgx.Rows) ([]*models.ConversationSummary, error) {
	summaries := make([]*models.ConversationSummary, 0)

	for rows.Next() {
		var s models.ConversationSummary
		var title, description, lastMessageID sql.NullString
		var lastMessageAt, deletedAt sql.NullTime

		err := rows.Scan(
			&s.ID,
			&s.Kind,
			&title,
			&description,
			&s.IsActive,
			&s.IsPinned,
			&lastMessageID,
			&lastMessageAt,
			&s.CreatedAt,
			&s.UpdatedAt,
			&deletedAt,
			&s.ParticipantCount,
			&s.UnreadCount,
		)
		if err != nil {
			return nil, err
		}

		s.Title = getString(title)
		s.Description = getString(description)
		s.LastMessageID = getString(lastMessageID)
		s.LastMessageAt = getTimePtr(lastMessageAt)
		s.DeletedAt = getTimePtr(deletedAt)
		summaries = append(summaries, &s)
	}

	return summaries, rows.Err()
}
