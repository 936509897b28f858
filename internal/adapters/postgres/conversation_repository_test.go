package postgres

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/meridian-chat/meridian/internal/domain"
	"github.com/meridian-chat/meridian/internal/domain/models"
)

func conversationRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "kind", "title", "description", "is_active", "is_pinned",
		"last_message_id", "last_message_at", "created_at", "updated_at", "deleted_at",
	})
}

func TestConversationRepository_Create_WithMembers(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ConversationRepository{BaseRepository: BaseRepository{db: nil}}

	conv := models.NewConversation("conv_1", models.ConversationKindGroup, "Team")
	members := []*models.ConversationMember{
		models.NewMember("conv_1", "user_1", models.MemberRoleOwner),
		models.NewMember("conv_1", "user_2", models.MemberRoleMember),
	}

	mock.ExpectExec("INSERT INTO conversations").
		WithArgs(
			conv.ID, conv.Kind, sql.NullString{String: "Team", Valid: true}, sql.NullString{},
			true, false, pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	for _, m := range members {
		mock.ExpectExec("INSERT INTO conversation_members").
			WithArgs(m.ConversationID, m.UserID, m.Role, true, false, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	ctx := setupMockContext(mock)
	if err := repo.Create(ctx, conv, members); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConversationRepository_GetByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ConversationRepository{BaseRepository: BaseRepository{db: nil}}

	mock.ExpectQuery("SELECT").
		WithArgs("conv_missing").
		WillReturnRows(conversationRows())

	ctx := setupMockContext(mock)
	_, err = repo.GetByID(ctx, "conv_missing")
	if !errors.Is(err, domain.ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestConversationRepository_ListForUser_ScansAggregates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ConversationRepository{BaseRepository: BaseRepository{db: nil}}

	now := time.Now()
	rows := pgxmock.NewRows([]string{
		"id", "kind", "title", "description", "is_active", "is_pinned",
		"last_message_id", "last_message_at", "created_at", "updated_at", "deleted_at",
		"participant_count", "unread_count",
	}).AddRow(
		"conv_1", models.ConversationKindGroup,
		sql.NullString{String: "Team", Valid: true}, sql.NullString{},
		true, false,
		sql.NullString{String: "msg_9", Valid: true}, sql.NullTime{Time: now, Valid: true},
		now, now, sql.NullTime{},
		4, 7,
	)

	mock.ExpectQuery("SELECT").
		WithArgs("user_1", pgxmock.AnyArg(), pgxmock.AnyArg(), 20).
		WillReturnRows(rows)

	ctx := setupMockContext(mock)
	summaries, err := repo.ListForUser(ctx, "user_1", nil, 20)
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}
	s := summaries[0]
	if s.ParticipantCount != 4 {
		t.Errorf("expected 4 participants, got %d", s.ParticipantCount)
	}
	if s.UnreadCount != 7 {
		t.Errorf("expected 7 unread, got %d", s.UnreadCount)
	}
	if s.LastMessageID != "msg_9" {
		t.Errorf("expected last message msg_9, got %s", s.LastMessageID)
	}
}

func TestConversationRepository_TouchLastMessage(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ConversationRepository{BaseRepository: BaseRepository{db: nil}}

	at := time.Now()
	mock.ExpectExec("UPDATE conversations").
		WithArgs("conv_1", "msg_5", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := setupMockContext(mock)
	if err := repo.TouchLastMessage(ctx, "conv_1", "msg_5", at); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
