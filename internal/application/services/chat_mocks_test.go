package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/meridian-chat/meridian/internal/domain"
	"github.com/meridian-chat/meridian/internal/domain/models"
	"github.com/meridian-chat/meridian/internal/ports"
)

type fakeConversationRepo struct {
	conversations map[string]*models.Conversation
	direct        map[string]*models.Conversation // key "a|b" sorted
	listings      []*models.ConversationSummary
	listCalls     int
	searchResults []*models.ConversationSummary
	deleted       []string
}

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{
		conversations: make(map[string]*models.Conversation),
		direct:        make(map[string]*models.Conversation),
	}
}

func directKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (f *fakeConversationRepo) Create(ctx context.Context, c *models.Conversation, members []*models.ConversationMember) error {
	f.conversations[c.ID] = c
	if c.Kind == models.ConversationKindDirect && len(members) == 2 {
		f.direct[directKey(members[0].UserID, members[1].UserID)] = c
	}
	return nil
}

func (f *fakeConversationRepo) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	if c, ok := f.conversations[id]; ok {
		return c, nil
	}
	return nil, domain.ErrConversationNotFound
}

func (f *fakeConversationRepo) Update(ctx context.Context, c *models.Conversation) error {
	f.conversations[c.ID] = c
	return nil
}

func (f *fakeConversationRepo) SoftDelete(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeConversationRepo) FindDirect(ctx context.Context, a, b string) (*models.Conversation, error) {
	if c, ok := f.direct[directKey(a, b)]; ok {
		return c, nil
	}
	return nil, domain.ErrConversationNotFound
}

func (f *fakeConversationRepo) ListForUser(ctx context.Context, userID string, cursor *ports.ConversationCursor, limit int) ([]*models.ConversationSummary, error) {
	f.listCalls++
	out := f.listings
	if cursor != nil {
		// The fake cuts at the cursor's conversation ID.
		for i, s := range out {
			if s.ID == cursor.ConversationID {
				out = out[i+1:]
				break
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeConversationRepo) SearchForUser(ctx context.Context, userID, query string, limit int) ([]*models.ConversationSummary, error) {
	return f.searchResults, nil
}

func (f *fakeConversationRepo) TouchLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	return nil
}

type fakeMemberRepo struct {
	members     map[string]*models.ConversationMember
	blocked     map[string]bool
	roleChanges map[string]models.MemberRole
	deactivated []string
	archived    map[string]bool
}

func newFakeMemberRepo() *fakeMemberRepo {
	return &fakeMemberRepo{
		members:     make(map[string]*models.ConversationMember),
		blocked:     make(map[string]bool),
		roleChanges: make(map[string]models.MemberRole),
		archived:    make(map[string]bool),
	}
}

func (f *fakeMemberRepo) put(m *models.ConversationMember) {
	f.members[m.ConversationID+"|"+m.UserID] = m
}

func (f *fakeMemberRepo) Add(ctx context.Context, m *models.ConversationMember) error {
	f.put(m)
	return nil
}

func (f *fakeMemberRepo) Get(ctx context.Context, conversationID, userID string) (*models.ConversationMember, error) {
	if m, ok := f.members[conversationID+"|"+userID]; ok {
		return m, nil
	}
	return nil, domain.ErrNotMember
}

func (f *fakeMemberRepo) ListByConversation(ctx context.Context, conversationID string) ([]*models.ConversationMember, error) {
	var out []*models.ConversationMember
	for _, m := range f.members {
		if m.ConversationID == conversationID && m.IsActive {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMemberRepo) ActiveUserIDs(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	for _, m := range f.members {
		if m.ConversationID == conversationID && m.IsActive {
			ids = append(ids, m.UserID)
		}
	}
	return ids, nil
}

func (f *fakeMemberRepo) UpdateRole(ctx context.Context, conversationID, userID string, role models.MemberRole) error {
	f.roleChanges[conversationID+"|"+userID] = role
	return nil
}

func (f *fakeMemberRepo) Deactivate(ctx context.Context, conversationID, userID string) error {
	f.deactivated = append(f.deactivated, conversationID+"|"+userID)
	return nil
}

func (f *fakeMemberRepo) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	f.archived[conversationID+"|"+userID] = archived
	return nil
}

func (f *fakeMemberRepo) CountOwners(ctx context.Context, conversationID string) (int, error) {
	count := 0
	for _, m := range f.members {
		if m.ConversationID == conversationID && m.Role == models.MemberRoleOwner && m.IsActive {
			count++
		}
	}
	return count, nil
}

func (f *fakeMemberRepo) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	return f.blocked[a+"|"+b] || f.blocked[b+"|"+a], nil
}

type fakeMessageRepo struct {
	byID      map[string]*models.Message
	page      *ports.MessagePage
	lastQuery ports.HistoryQuery
	edited    map[string]string
	deleted   []string
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{
		byID:   make(map[string]*models.Message),
		page:   &ports.MessagePage{},
		edited: make(map[string]string),
	}
}

func (f *fakeMessageRepo) Upsert(ctx context.Context, m *models.Message) (bool, error) {
	f.byID[m.ID] = m
	return true, nil
}

func (f *fakeMessageRepo) GetByID(ctx context.Context, id string) (*models.Message, error) {
	if m, ok := f.byID[id]; ok {
		return m, nil
	}
	return nil, domain.ErrMessageNotFound
}

func (f *fakeMessageRepo) ListByConversation(ctx context.Context, conversationID string, q ports.HistoryQuery) (*ports.MessagePage, error) {
	f.lastQuery = q
	return f.page, nil
}

func (f *fakeMessageRepo) MarkDeleted(ctx context.Context, messageID, deletedBy string) error {
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeMessageRepo) UpdateContent(ctx context.Context, messageID, content string) error {
	f.edited[messageID] = content
	return nil
}

func (f *fakeMessageRepo) UnreadCounts(ctx context.Context, userID string, conversationIDs []string) (map[string]int, error) {
	return map[string]int{}, nil
}

func (f *fakeMessageRepo) SearchForUser(ctx context.Context, userID, query string, limit int) ([]*models.Message, error) {
	var out []*models.Message
	for _, m := range f.byID {
		if strings.Contains(m.Content, query) {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeReceiptRepo struct {
	markReadResult int
	markReadCalls  int
	markedIDs      []string
}

func (f *fakeReceiptRepo) Record(ctx context.Context, receipts []*models.Receipt) error { return nil }

func (f *fakeReceiptRepo) ListByMessage(ctx context.Context, messageID string) ([]*models.Receipt, error) {
	return nil, nil
}

func (f *fakeReceiptRepo) MarkConversationRead(ctx context.Context, conversationID, userID, messageID string) (int, error) {
	f.markReadCalls++
	return f.markReadResult, nil
}

func (f *fakeReceiptRepo) MarkMessagesRead(ctx context.Context, conversationID, userID string, messageIDs []string) (int, error) {
	f.markReadCalls++
	f.markedIDs = append([]string(nil), messageIDs...)
	return len(messageIDs), nil
}

type fakePresence struct {
	statuses map[string]*models.PresenceStatus
}

func (f *fakePresence) Bind(ctx context.Context, userID string, b *models.SessionBinding, ttl time.Duration) error {
	return nil
}
func (f *fakePresence) Extend(ctx context.Context, userID, socketID string, ttl time.Duration) error {
	return nil
}
func (f *fakePresence) Unbind(ctx context.Context, userID, socketID string) error { return nil }
func (f *fakePresence) Get(ctx context.Context, userID string) (*models.PresenceStatus, error) {
	return f.statuses[userID], nil
}
func (f *fakePresence) GetMany(ctx context.Context, userIDs []string) (map[string]*models.PresenceStatus, error) {
	return f.statuses, nil
}

// fakeCache stores JSON-encoded values, matching the Redis adapter's
// observable behavior.
type fakeCache struct {
	entries     map[string][]byte
	invalidated []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (f *fakeCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, ok := f.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (f *fakeCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.entries[key] = raw
	return nil
}

func (f *fakeCache) Invalidate(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.entries, k)
		f.invalidated = append(f.invalidated, k)
	}
	return nil
}

type passthroughTx struct{}

func (passthroughTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakeIDs struct{ next int }

func (f *fakeIDs) ConversationID() string {
	f.next++
	return "conv_" + string(rune('0'+f.next))
}
func (f *fakeIDs) MessageID() string     { return "msg_fake" }
func (f *fakeIDs) SocketID() string      { return "sock_fake" }
func (f *fakeIDs) CorrelationID() string { return "corr_fake" }

type captureFanout struct {
	events []*ports.FanoutEvent
}

func (c *captureFanout) Enqueue(ev *ports.FanoutEvent)     { c.events = append(c.events, ev) }
func (c *captureFanout) Events() <-chan *ports.FanoutEvent { return nil }
func (c *captureFanout) Close()                            {}
