package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/meridian-chat/meridian/internal/domain"
	"github.com/meridian-chat/meridian/internal/domain/models"
)

type MemberRepository struct {
	BaseRepository
}

func NewMemberRepository(db *Router) *MemberRepository {
	return &MemberRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Add inserts a membership row, reactivating a previously removed member
// instead of duplicating the row.
func (r *MemberRepository) Add(ctx context.Context, member *models.ConversationMember) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO conversation_members (
			conversation_id, user_id, role, is_active, is_archived, joined_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET role = EXCLUDED.role,
			is_active = true,
			is_archived = false,
			joined_at = EXCLUDED.joined_at`

	_, err := r.conn(ctx).Exec(ctx, query,
		member.ConversationID,
		member.UserID,
		member.Role,
		member.IsActive,
		member.IsArchived,
		member.JoinedAt,
	)
	return err
}

func (r *MemberRepository) Get(ctx context.Context, conversationID, userID string) (*models.ConversationMember, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT conversation_id, user_id, role, is_active, is_archived, joined_at
		FROM conversation_members
		WHERE conversation_id = $1 AND user_id = $2`

	return r.scanMember(r.readConn(ctx).QueryRow(ctx, query, conversationID, userID))
}

func (r *MemberRepository) ListByConversation(ctx context.Context, conversationID string) ([]*models.ConversationMember, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT conversation_id, user_id, role, is_active, is_archived, joined_at
		FROM conversation_members
		WHERE conversation_id = $1 AND is_active
		ORDER BY joined_at ASC`

	rows, err := r.readConn(ctx).Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]*models.ConversationMember, 0)
	for rows.Next() {
		var m models.ConversationMember
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.Role, &m.IsActive, &m.IsArchived, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, &m)
	}
	return members, rows.Err()
}

func (r *MemberRepository) ActiveUserIDs(ctx context.Context, conversationID string) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT user_id
		FROM conversation_members
		WHERE conversation_id = $1 AND is_active`

	rows, err := r.readConn(ctx).Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *MemberRepository) UpdateRole(ctx context.Context, conversationID, userID string, role models.MemberRole) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE conversation_members
		SET role = $3
		WHERE conversation_id = $1 AND user_id = $2 AND is_active`

	tag, err := r.conn(ctx).Exec(ctx, query, conversationID, userID, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotMember
	}
	return nil
}

func (r *MemberRepository) Deactivate(ctx context.Context, conversationID, userID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE conversation_members
		SET is_active = false
		WHERE conversation_id = $1 AND user_id = $2 AND is_active`

	tag, err := r.conn(ctx).Exec(ctx, query, conversationID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotMember
	}
	return nil
}

func (r *MemberRepository) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE conversation_members
		SET is_archived = $3
		WHERE conversation_id = $1 AND user_id = $2 AND is_active`

	tag, err := r.conn(ctx).Exec(ctx, query, conversationID, userID, archived)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotMember
	}
	return nil
}

func (r *MemberRepository) CountOwners(ctx context.Context, conversationID string) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT COUNT(*)
		FROM conversation_members
		WHERE conversation_id = $1 AND role = 'owner' AND is_active`

	var count int
	if err := r.readConn(ctx).QueryRow(ctx, query, conversationID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *MemberRepository) IsBlocked(ctx context.Context, userID, otherUserID string) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT EXISTS (
			SELECT 1 FROM user_blocks
			WHERE (user_id = $1 AND blocked_user_id = $2)
			   OR (user_id = $2 AND blocked_user_id = $1)
		)`

	var blocked bool
	if err := r.readConn(ctx).QueryRow(ctx, query, userID, otherUserID).Scan(&blocked); err != nil {
		return false, err
	}
	return blocked, nil
}

func (r *MemberRepository) scanMember(row pgx.Row) (*models.ConversationMember, error) {
	var m models.ConversationMember
	err := row.Scan(&m.ConversationID, &m.UserID, &m.Role, &m.IsActive, &m.IsArchived, &m.JoinedAt)
	if err != nil {
		if checkNoRows(err) {
			return nil, domain.ErrNotMember
		}
		return nil, err
	}
	return &m, nil
}
