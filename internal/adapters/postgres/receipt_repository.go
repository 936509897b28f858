package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/meridian-chat/meridian/internal/domain/models"
)

type ReceiptRepository struct {
	BaseRepository
}

func NewReceiptRepository(db *Router) *ReceiptRepository {
	return &ReceiptRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Record inserts receipt rows. The unique (message, recipient, state) index
// makes re-recording a no-op, so retried deliveries never duplicate rows.
func (r *ReceiptRepository) Record(ctx context.Context, receipts []*models.Receipt) error {
	if len(receipts) == 0 {
		return nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO message_receipts (
			message_id, conversation_id, recipient_user_id, state, recorded_at
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id, recipient_user_id, state) DO NOTHING`

	for _, receipt := range receipts {
		_, err := r.conn(ctx).Exec(ctx, query,
			receipt.MessageID,
			receipt.ConversationID,
			receipt.RecipientUserID,
			receipt.State,
			receipt.RecordedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *ReceiptRepository) ListByMessage(ctx context.Context, messageID string) ([]*models.Receipt, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT message_id, conversation_id, recipient_user_id, state, recorded_at
		FROM message_receipts
		WHERE message_id = $1
		ORDER BY recorded_at ASC`

	rows, err := r.readConn(ctx).Query(ctx, query, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	receipts := make([]*models.Receipt, 0)
	for rows.Next() {
		var rc models.Receipt
		if err := rows.Scan(&rc.MessageID, &rc.ConversationID, &rc.RecipientUserID, &rc.State, &rc.RecordedAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, &rc)
	}
	return receipts, rows.Err()
}

// MarkConversationRead records sent, delivered and read receipts for every
// unread message up to and including messageID, in one statement. The read
// state implies the earlier ones, so all three rows are materialized.
func (r *ReceiptRepository) MarkConversationRead(ctx context.Context, conversationID, userID, messageID string) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		WITH unread AS (
			SELECT m.id
			FROM messages m
			WHERE m.conversation_id = $1
			  AND m.sender_id <> $2
			  AND m.id <= $3
			  AND NOT m.is_deleted
			  AND NOT EXISTS (
				SELECT 1 FROM message_receipts r
				WHERE r.message_id = m.id AND r.recipient_user_id = $2 AND r.state = 'read'
			  )
		)
		INSERT INTO message_receipts (message_id, conversation_id, recipient_user_id, state, recorded_at)
		SELECT u.id, $1, $2, s.state, NOW()
		FROM unread u
		CROSS JOIN (VALUES ('sent'), ('delivered'), ('read')) AS s(state)
		ON CONFLICT (message_id, recipient_user_id, state) DO NOTHING
		RETURNING state`

	rows, err := r.conn(ctx).Query(ctx, query, conversationID, userID, messageID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	return countReadStates(rows)
}

// MarkMessagesRead records sent, delivered and read receipts for exactly the
// listed messages. Own and deleted messages are skipped; already-read ones
// are absorbed by the unique index.
func (r *ReceiptRepository) MarkMessagesRead(ctx context.Context, conversationID, userID string, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		WITH targets AS (
			SELECT m.id
			FROM messages m
			WHERE m.conversation_id = $1
			  AND m.id = ANY($3)
			  AND m.sender_id <> $2
			  AND NOT m.is_deleted
		)
		INSERT INTO message_receipts (message_id, conversation_id, recipient_user_id, state, recorded_at)
		SELECT t.id, $1, $2, s.state, NOW()
		FROM targets t
		CROSS JOIN (VALUES ('sent'), ('delivered'), ('read')) AS s(state)
		ON CONFLICT (message_id, recipient_user_id, state) DO NOTHING
		RETURNING state`

	rows, err := r.conn(ctx).Query(ctx, query, conversationID, userID, messageIDs)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	return countReadStates(rows)
}

// countReadStates reports how many messages became read; sent and delivered
// rows materialized on the way do not count.
func countReadStates(rows pgx.Rows) (int, error) {
	read := 0
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return 0, err
		}
		if state == "read" {
			read++
		}
	}
	return read, rows.Err()
}
