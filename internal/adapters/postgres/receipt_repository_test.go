package postgres

import (
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/meridian-chat/meridian/internal/domain/models"
)

func TestReceiptRepository_Record(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ReceiptRepository{BaseRepository: BaseRepository{db: nil}}

	now := time.Now()
	receipts := []*models.Receipt{
		{MessageID: "msg_1", ConversationID: "conv_1", RecipientUserID: "user_2", State: models.ReceiptSent, RecordedAt: now},
		{MessageID: "msg_1", ConversationID: "conv_1", RecipientUserID: "user_3", State: models.ReceiptSent, RecordedAt: now},
	}

	for _, rc := range receipts {
		mock.ExpectExec("INSERT INTO message_receipts").
			WithArgs(rc.MessageID, rc.ConversationID, rc.RecipientUserID, rc.State, rc.RecordedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	ctx := setupMockContext(mock)
	if err := repo.Record(ctx, receipts); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestReceiptRepository_Record_Empty(t *testing.T) {
	repo := &ReceiptRepository{BaseRepository: BaseRepository{db: nil}}

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	// No expectations: an empty batch must not touch the database.
	if err := repo.Record(setupMockContext(mock), nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestReceiptRepository_MarkConversationRead_CountsReadRowsOnly(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ReceiptRepository{BaseRepository: BaseRepository{db: nil}}

	// Two messages became read; one already had sent and delivered rows.
	rows := pgxmock.NewRows([]string{"state"}).
		AddRow("sent").AddRow("delivered").AddRow("read").
		AddRow("read")

	mock.ExpectQuery("INSERT INTO message_receipts").
		WithArgs("conv_1", "user_2", "msg_9").
		WillReturnRows(rows)

	ctx := setupMockContext(mock)
	count, err := repo.MarkConversationRead(ctx, "conv_1", "user_2", "msg_9")
	if err != nil {
		t.Fatalf("MarkConversationRead: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 read messages, got %d", count)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestReceiptRepository_MarkMessagesRead(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ReceiptRepository{BaseRepository: BaseRepository{db: nil}}

	// Both listed messages became read; one of the reader's own IDs was
	// filtered out server-side and produced no rows.
	rows := pgxmock.NewRows([]string{"state"}).
		AddRow("sent").AddRow("delivered").AddRow("read").
		AddRow("sent").AddRow("delivered").AddRow("read")

	ids := []string{"msg_7", "msg_8", "msg_own"}
	mock.ExpectQuery("INSERT INTO message_receipts").
		WithArgs("conv_1", "user_2", ids).
		WillReturnRows(rows)

	ctx := setupMockContext(mock)
	count, err := repo.MarkMessagesRead(ctx, "conv_1", "user_2", ids)
	if err != nil {
		t.Fatalf("MarkMessagesRead: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 read messages, got %d", count)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestReceiptRepository_MarkMessagesRead_EmptyInput(t *testing.T) {
	repo := &ReceiptRepository{BaseRepository: BaseRepository{db: nil}}

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	// No expectations: an empty ID list must not touch the database.
	count, err := repo.MarkMessagesRead(setupMockContext(mock), "conv_1", "user_2", nil)
	if err != nil || count != 0 {
		t.Errorf("expected 0, nil for an empty list, got %d, %v", count, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
