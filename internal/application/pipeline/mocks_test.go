package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/meridian-chat/meridian/internal/domain"
	"github.com/meridian-chat/meridian/internal/domain/models"
	"github.com/meridian-chat/meridian/internal/ports"
)

type mockConversationRepo struct {
	conversations map[string]*models.Conversation
	touched       []string
	touchErr      error
}

func newMockConversationRepo() *mockConversationRepo {
	return &mockConversationRepo{conversations: make(map[string]*models.Conversation)}
}

func (m *mockConversationRepo) Create(ctx context.Context, c *models.Conversation, members []*models.ConversationMember) error {
	m.conversations[c.ID] = c
	return nil
}

func (m *mockConversationRepo) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	if c, ok := m.conversations[id]; ok {
		return c, nil
	}
	return nil, domain.ErrConversationNotFound
}

func (m *mockConversationRepo) Update(ctx context.Context, c *models.Conversation) error { return nil }

func (m *mockConversationRepo) SoftDelete(ctx context.Context, id string) error { return nil }

func (m *mockConversationRepo) FindDirect(ctx context.Context, a, b string) (*models.Conversation, error) {
	return nil, domain.ErrConversationNotFound
}

func (m *mockConversationRepo) ListForUser(ctx context.Context, userID string, cursor *ports.ConversationCursor, limit int) ([]*models.ConversationSummary, error) {
	return nil, nil
}

func (m *mockConversationRepo) SearchForUser(ctx context.Context, userID, query string, limit int) ([]*models.ConversationSummary, error) {
	return nil, nil
}

func (m *mockConversationRepo) TouchLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	if m.touchErr != nil {
		return m.touchErr
	}
	m.touched = append(m.touched, messageID)
	return nil
}

type mockMemberRepo struct {
	members map[string]*models.ConversationMember // key conversationID|userID
	blocked map[string]bool                       // key userA|userB
}

func newMockMemberRepo() *mockMemberRepo {
	return &mockMemberRepo{
		members: make(map[string]*models.ConversationMember),
		blocked: make(map[string]bool),
	}
}

func (m *mockMemberRepo) add(member *models.ConversationMember) {
	m.members[member.ConversationID+"|"+member.UserID] = member
}

func (m *mockMemberRepo) Add(ctx context.Context, member *models.ConversationMember) error {
	m.add(member)
	return nil
}

func (m *mockMemberRepo) Get(ctx context.Context, conversationID, userID string) (*models.ConversationMember, error) {
	if member, ok := m.members[conversationID+"|"+userID]; ok {
		return member, nil
	}
	return nil, domain.ErrNotMember
}

func (m *mockMemberRepo) ListByConversation(ctx context.Context, conversationID string) ([]*models.ConversationMember, error) {
	var out []*models.ConversationMember
	for _, member := range m.members {
		if member.ConversationID == conversationID && member.IsActive {
			out = append(out, member)
		}
	}
	return out, nil
}

func (m *mockMemberRepo) ActiveUserIDs(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	for _, member := range m.members {
		if member.ConversationID == conversationID && member.IsActive {
			ids = append(ids, member.UserID)
		}
	}
	return ids, nil
}

func (m *mockMemberRepo) UpdateRole(ctx context.Context, conversationID, userID string, role models.MemberRole) error {
	return nil
}

func (m *mockMemberRepo) Deactivate(ctx context.Context, conversationID, userID string) error {
	return nil
}

func (m *mockMemberRepo) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	return nil
}

func (m *mockMemberRepo) CountOwners(ctx context.Context, conversationID string) (int, error) {
	count := 0
	for _, member := range m.members {
		if member.ConversationID == conversationID && member.Role == models.MemberRoleOwner && member.IsActive {
			count++
		}
	}
	return count, nil
}

func (m *mockMemberRepo) IsBlocked(ctx context.Context, userID, otherUserID string) (bool, error) {
	return m.blocked[userID+"|"+otherUserID] || m.blocked[otherUserID+"|"+userID], nil
}

type mockMessageRepo struct {
	mu       sync.Mutex
	byKey    map[string]*models.Message
	upserts  int
	failWith error
	failFor  int // fail the first N upserts
}

func newMockMessageRepo() *mockMessageRepo {
	return &mockMessageRepo{byKey: make(map[string]*models.Message)}
}

func (m *mockMessageRepo) Upsert(ctx context.Context, msg *models.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.failWith != nil && (m.failFor == 0 || m.upserts <= m.failFor) {
		return false, m.failWith
	}
	if _, exists := m.byKey[msg.IdempotencyKey]; exists {
		return false, nil
	}
	m.byKey[msg.IdempotencyKey] = msg
	return true, nil
}

func (m *mockMessageRepo) stored() []*models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Message, 0, len(m.byKey))
	for _, msg := range m.byKey {
		out = append(out, msg)
	}
	return out
}

func (m *mockMessageRepo) GetByID(ctx context.Context, id string) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.byKey {
		if msg.ID == id {
			return msg, nil
		}
	}
	return nil, domain.ErrMessageNotFound
}

func (m *mockMessageRepo) ListByConversation(ctx context.Context, conversationID string, q ports.HistoryQuery) (*ports.MessagePage, error) {
	return &ports.MessagePage{}, nil
}

func (m *mockMessageRepo) MarkDeleted(ctx context.Context, messageID, deletedBy string) error {
	return nil
}

func (m *mockMessageRepo) UpdateContent(ctx context.Context, messageID, content string) error {
	return nil
}

func (m *mockMessageRepo) UnreadCounts(ctx context.Context, userID string, conversationIDs []string) (map[string]int, error) {
	return map[string]int{}, nil
}

func (m *mockMessageRepo) SearchForUser(ctx context.Context, userID, query string, limit int) ([]*models.Message, error) {
	return nil, nil
}

type mockReceiptRepo struct {
	mu       sync.Mutex
	recorded []*models.Receipt
}

func (m *mockReceiptRepo) Record(ctx context.Context, receipts []*models.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, receipts...)
	return nil
}

func (m *mockReceiptRepo) ListByMessage(ctx context.Context, messageID string) ([]*models.Receipt, error) {
	return nil, nil
}

func (m *mockReceiptRepo) MarkConversationRead(ctx context.Context, conversationID, userID, messageID string) (int, error) {
	return 0, nil
}

func (m *mockReceiptRepo) MarkMessagesRead(ctx context.Context, conversationID, userID string, messageIDs []string) (int, error) {
	return 0, nil
}

// mockTx runs the function directly; repository mocks ignore transactions.
type mockTx struct{}

func (mockTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type mockIDs struct {
	nextMessage int
	mu          sync.Mutex
}

func (m *mockIDs) ConversationID() string { return "conv_mock" }

func (m *mockIDs) MessageID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMessage++
	return "msg_" + time.Now().UTC().Format("20060102150405") + "_" + string(rune('a'+m.nextMessage%26))
}

func (m *mockIDs) SocketID() string { return "sock_mock" }

func (m *mockIDs) CorrelationID() string { return "corr_mock" }
