package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/meridian-chat/meridian/internal/domain"
	"github.com/meridian-chat/meridian/internal/domain/models"
	"github.com/meridian-chat/meridian/internal/ports"
)

type chatFixture struct {
	svc      *ChatService
	convs    *fakeConversationRepo
	members  *fakeMemberRepo
	messages *fakeMessageRepo
	receipts *fakeReceiptRepo
	presence *fakePresence
	cache    *fakeCache
	fanout   *captureFanout
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()

	f := &chatFixture{
		convs:    newFakeConversationRepo(),
		members:  newFakeMemberRepo(),
		messages: newFakeMessageRepo(),
		receipts: &fakeReceiptRepo{},
		presence: &fakePresence{statuses: make(map[string]*models.PresenceStatus)},
		cache:    newFakeCache(),
		fanout:   &captureFanout{},
	}
	f.svc = NewChatService(
		f.convs, f.members, f.messages, f.receipts,
		f.presence, f.cache, passthroughTx{}, &fakeIDs{}, f.fanout,
	)
	return f
}

// seedGroup creates a group conversation with alice as owner, bob as admin
// and carol as a plain member.
func (f *chatFixture) seedGroup(t *testing.T) *models.Conversation {
	t.Helper()
	conv := models.NewConversation("conv_g", models.ConversationKindGroup, "engineering")
	f.convs.conversations[conv.ID] = conv
	f.members.put(models.NewMember(conv.ID, "alice", models.MemberRoleOwner))
	admin := models.NewMember(conv.ID, "bob", models.MemberRoleAdmin)
	f.members.put(admin)
	f.members.put(models.NewMember(conv.ID, "carol", models.MemberRoleMember))
	return conv
}

func TestChatService_CreateDirect(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	conv, err := f.svc.CreateDirect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.Kind != models.ConversationKindDirect {
		t.Errorf("expected direct kind, got %q", conv.Kind)
	}

	// A second create between the same pair returns the existing one.
	again, err := f.svc.CreateDirect(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.ID != conv.ID {
		t.Errorf("expected deduplicated conversation, got %s and %s", conv.ID, again.ID)
	}
}

func TestChatService_CreateDirect_Rejections(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateDirect(ctx, "alice", "alice"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("self-conversation should be rejected, got %v", err)
	}
	if _, err := f.svc.CreateDirect(ctx, "", "bob"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("missing user should be rejected, got %v", err)
	}

	f.members.blocked["bob|alice"] = true
	if _, err := f.svc.CreateDirect(ctx, "alice", "bob"); !errors.Is(err, domain.ErrUserBlocked) {
		t.Errorf("blocked pair should be rejected, got %v", err)
	}
}

func TestChatService_CreateGroup(t *testing.T) {
	f := newChatFixture(t)

	conv, err := f.svc.CreateGroup(context.Background(), "alice", "team", "the team", []string{"bob", "carol", "bob", ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.Kind != models.ConversationKindGroup || conv.Title != "team" {
		t.Errorf("unexpected conversation: %+v", conv)
	}

	if _, err := f.svc.CreateGroup(context.Background(), "alice", "   ", "", nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("empty title should be rejected, got %v", err)
	}
}

func TestChatService_ListConversations_Pagination(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		at := now.Add(-time.Duration(i) * time.Hour)
		summary := &models.ConversationSummary{}
		summary.ID = fmt.Sprintf("conv_%d", i)
		summary.Kind = models.ConversationKindGroup
		summary.CreatedAt = at
		summary.LastMessageAt = &at
		f.convs.listings = append(f.convs.listings, summary)
	}

	page, err := f.svc.ListConversations(ctx, "alice", "", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(page.Conversations))
	}
	if page.NextCursor == "" {
		t.Fatal("expected a next cursor")
	}

	next, err := f.svc.ListConversations(ctx, "alice", page.NextCursor, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(next.Conversations) != 1 {
		t.Fatalf("expected 1 conversation on the last page, got %d", len(next.Conversations))
	}
	if next.NextCursor != "" {
		t.Errorf("last page should have no cursor, got %q", next.NextCursor)
	}
	if next.Conversations[0].ID != "conv_2" {
		t.Errorf("expected conv_2 after the cursor, got %s", next.Conversations[0].ID)
	}
}

func TestChatService_ListConversations_CachedPageSmallerWindow(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		at := now.Add(-time.Duration(i) * time.Hour)
		summary := &models.ConversationSummary{}
		summary.ID = fmt.Sprintf("conv_%d", i)
		summary.Kind = models.ConversationKindGroup
		summary.CreatedAt = at
		summary.LastMessageAt = &at
		f.convs.listings = append(f.convs.listings, summary)
	}

	// Warm the cache with the full listing.
	if _, err := f.svc.ListConversations(ctx, "alice", "", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A narrower request is served from cache but must carry a cursor cut
	// to its own window, not the cached page's.
	page, err := f.svc.ListConversations(ctx, "alice", "", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(page.Conversations))
	}
	if page.NextCursor == "" {
		t.Fatal("truncated cache hit must expose a next cursor")
	}

	// Walking that cursor resumes at the third conversation; nothing is
	// skipped.
	next, err := f.svc.ListConversations(ctx, "alice", page.NextCursor, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(next.Conversations) != 1 || next.Conversations[0].ID != "conv_2" {
		t.Fatalf("expected conv_2 after the cursor, got %+v", next.Conversations)
	}
}

func TestChatService_ListConversations_InvalidCursor(t *testing.T) {
	f := newChatFixture(t)

	_, err := f.svc.ListConversations(context.Background(), "alice", "not-base64!!!", 20)
	if !errors.Is(err, domain.ErrInvalidCursor) {
		t.Errorf("expected ErrInvalidCursor, got %v", err)
	}
}

func TestChatService_GetConversation(t *testing.T) {
	f := newChatFixture(t)
	conv := f.seedGroup(t)
	f.presence.statuses["bob"] = &models.PresenceStatus{UserID: "bob", IsOnline: true}

	details, err := f.svc.GetConversation(context.Background(), "alice", conv.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if details.Conversation.ID != conv.ID {
		t.Errorf("wrong conversation: %s", details.Conversation.ID)
	}
	if len(details.Members) != 3 {
		t.Errorf("expected 3 members, got %d", len(details.Members))
	}
	if len(details.Presence) != 1 || !details.Presence[0].IsOnline {
		t.Errorf("expected bob online in presence, got %+v", details.Presence)
	}

	if _, err := f.svc.GetConversation(context.Background(), "mallory", conv.ID); !errors.Is(err, domain.ErrNotMember) {
		t.Errorf("non-member should be rejected, got %v", err)
	}
	if _, err := f.svc.GetConversation(context.Background(), "alice", "conv_missing"); !errors.Is(err, domain.ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestChatService_MarkRead(t *testing.T) {
	f := newChatFixture(t)
	conv := f.seedGroup(t)
	f.receipts.markReadResult = 4

	updated, err := f.svc.MarkRead(context.Background(), "carol", conv.ID, "msg_010")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated != 4 {
		t.Errorf("expected 4 receipts, got %d", updated)
	}

	if len(f.fanout.events) != 1 {
		t.Fatalf("expected 1 receipt fanout event, got %d", len(f.fanout.events))
	}
	ev := f.fanout.events[0]
	if ev.Type != "messages_read" {
		t.Errorf("unexpected event type %q", ev.Type)
	}
	for _, r := range ev.RecipientIDs {
		if r == "carol" {
			t.Error("reader should not receive their own receipt event")
		}
	}
	if len(ev.Receipts) != 1 || ev.Receipts[0].State != models.ReceiptRead {
		t.Errorf("unexpected receipts payload: %+v", ev.Receipts)
	}
}

func TestChatService_MarkReadMessages(t *testing.T) {
	f := newChatFixture(t)
	conv := f.seedGroup(t)

	updated, err := f.svc.MarkReadMessages(context.Background(), "carol", conv.ID, []string{"msg_010", "msg_011"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated != 2 {
		t.Errorf("expected 2 receipts, got %d", updated)
	}
	if len(f.receipts.markedIDs) != 2 || f.receipts.markedIDs[0] != "msg_010" {
		t.Errorf("unexpected marked IDs: %v", f.receipts.markedIDs)
	}

	if len(f.fanout.events) != 1 {
		t.Fatalf("expected 1 fanout event, got %d", len(f.fanout.events))
	}
	ev := f.fanout.events[0]
	if ev.Type != "messages_read" {
		t.Errorf("unexpected event type %q", ev.Type)
	}
	if len(ev.MessageIDs) != 2 || ev.MessageIDs[1] != "msg_011" {
		t.Errorf("unexpected message IDs on event: %v", ev.MessageIDs)
	}
	if len(ev.Receipts) != 2 || ev.Receipts[0].State != models.ReceiptRead {
		t.Errorf("unexpected receipts payload: %+v", ev.Receipts)
	}
	for _, r := range ev.RecipientIDs {
		if r == "carol" {
			t.Error("reader should not receive their own receipt event")
		}
	}

	if _, err := f.svc.MarkReadMessages(context.Background(), "carol", conv.ID, nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("empty message list should be rejected, got %v", err)
	}
}

func TestChatService_MarkRead_NothingUnread(t *testing.T) {
	f := newChatFixture(t)
	conv := f.seedGroup(t)
	f.receipts.markReadResult = 0

	updated, err := f.svc.MarkRead(context.Background(), "carol", conv.ID, "msg_010")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated != 0 {
		t.Errorf("expected 0, got %d", updated)
	}
	if len(f.fanout.events) != 0 {
		t.Errorf("no fanout expected when nothing changed, got %d events", len(f.fanout.events))
	}
}

func TestChatService_Participants(t *testing.T) {
	f := newChatFixture(t)
	conv := f.seedGroup(t)
	ctx := context.Background()

	// Admins may add.
	if err := f.svc.AddParticipant(ctx, "bob", conv.ID, "dave"); err != nil {
		t.Errorf("admin add failed: %v", err)
	}
	// Plain members may not.
	if err := f.svc.AddParticipant(ctx, "carol", conv.ID, "eve"); !errors.Is(err, domain.ErrRoleRestricted) {
		t.Errorf("member add should be restricted, got %v", err)
	}

	// Members may remove themselves.
	if err := f.svc.RemoveParticipant(ctx, "carol", conv.ID, "carol"); err != nil {
		t.Errorf("self-leave failed: %v", err)
	}
	// But not others.
	if err := f.svc.RemoveParticipant(ctx, "dave", conv.ID, "bob"); !errors.Is(err, domain.ErrRoleRestricted) {
		t.Errorf("member removing another should be restricted, got %v", err)
	}

	// The sole owner cannot leave.
	if err := f.svc.RemoveParticipant(ctx, "alice", conv.ID, "alice"); !errors.Is(err, domain.ErrSoleOwner) {
		t.Errorf("expected ErrSoleOwner, got %v", err)
	}
}

func TestChatService_Participants_DirectConversation(t *testing.T) {
	f := newChatFixture(t)
	conv := models.NewConversation("conv_dm", models.ConversationKindDirect, "")
	f.convs.conversations[conv.ID] = conv
	f.members.put(models.NewMember(conv.ID, "alice", models.MemberRoleMember))
	f.members.put(models.NewMember(conv.ID, "bob", models.MemberRoleMember))

	err := f.svc.AddParticipant(context.Background(), "alice", conv.ID, "carol")
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("adding to a direct conversation should fail, got %v", err)
	}
}

func TestChatService_UpdateRole(t *testing.T) {
	f := newChatFixture(t)
	conv := f.seedGroup(t)
	ctx := context.Background()

	if err := f.svc.UpdateRole(ctx, "alice", conv.ID, "carol", models.MemberRoleAdmin); err != nil {
		t.Errorf("owner promoting member failed: %v", err)
	}
	if f.members.roleChanges[conv.ID+"|carol"] != models.MemberRoleAdmin {
		t.Error("role change was not persisted")
	}

	// Admins cannot change roles, only owners.
	if err := f.svc.UpdateRole(ctx, "bob", conv.ID, "carol", models.MemberRoleMember); !errors.Is(err, domain.ErrRoleRestricted) {
		t.Errorf("admin role change should be restricted, got %v", err)
	}

	// The sole owner cannot demote themselves.
	if err := f.svc.UpdateRole(ctx, "alice", conv.ID, "alice", models.MemberRoleMember); !errors.Is(err, domain.ErrSoleOwner) {
		t.Errorf("expected ErrSoleOwner, got %v", err)
	}

	if err := f.svc.UpdateRole(ctx, "alice", conv.ID, "carol", "sovereign"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("unknown role should be rejected, got %v", err)
	}
}

func TestChatService_PinAndArchive(t *testing.T) {
	f := newChatFixture(t)
	conv := f.seedGroup(t)
	ctx := context.Background()

	if err := f.svc.SetPinned(ctx, "carol", conv.ID, true); !errors.Is(err, domain.ErrRoleRestricted) {
		t.Errorf("member pin should be restricted, got %v", err)
	}
	if err := f.svc.SetPinned(ctx, "alice", conv.ID, true); err != nil {
		t.Fatalf("owner pin failed: %v", err)
	}
	if !f.convs.conversations[conv.ID].IsPinned {
		t.Error("pin was not persisted")
	}

	// Archiving is per member; anyone may archive their own view.
	if err := f.svc.SetArchived(ctx, "carol", conv.ID, true); err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	if !f.members.archived[conv.ID+"|carol"] {
		t.Error("archive was not persisted")
	}
}

func TestChatService_DeleteConversation(t *testing.T) {
	f := newChatFixture(t)
	conv := f.seedGroup(t)
	ctx := context.Background()

	if err := f.svc.DeleteConversation(ctx, "bob", conv.ID); !errors.Is(err, domain.ErrRoleRestricted) {
		t.Errorf("admin delete should be restricted, got %v", err)
	}
	if err := f.svc.DeleteConversation(ctx, "alice", conv.ID); err != nil {
		t.Fatalf("owner delete failed: %v", err)
	}
	if len(f.convs.deleted) != 1 || f.convs.deleted[0] != conv.ID {
		t.Errorf("soft delete not recorded: %v", f.convs.deleted)
	}
}

func TestChatService_UnreadCount_Cached(t *testing.T) {
	f := newChatFixture(t)
	s1 := &models.ConversationSummary{UnreadCount: 3}
	s1.ID = "conv_a"
	s2 := &models.ConversationSummary{UnreadCount: 2}
	s2.ID = "conv_b"
	f.convs.listings = []*models.ConversationSummary{s1, s2}
	ctx := context.Background()

	total, err := f.svc.UnreadCount(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 5 {
		t.Errorf("expected 5 unread, got %d", total)
	}

	// Second call is served from cache.
	calls := f.convs.listCalls
	again, err := f.svc.UnreadCount(ctx, "alice")
	if err != nil || again != 5 {
		t.Fatalf("cached read failed: %d, %v", again, err)
	}
	if f.convs.listCalls != calls {
		t.Error("expected the cached path, repository was queried again")
	}
}

func TestChatService_EditAndDeleteMessage(t *testing.T) {
	f := newChatFixture(t)
	conv := f.seedGroup(t)
	ctx := context.Background()

	msg := models.NewMessage("msg_1", conv.ID, "carol", "tpyo", models.MessageTypeText)
	f.messages.byID[msg.ID] = msg

	edited, err := f.svc.EditMessage(ctx, "carol", "msg_1", "typo")
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if !edited.IsEdited || edited.Content != "typo" {
		t.Errorf("unexpected edited message: %+v", edited)
	}

	// Only the sender may edit or delete.
	if _, err := f.svc.EditMessage(ctx, "alice", "msg_1", "hijack"); !errors.Is(err, domain.ErrRoleRestricted) {
		t.Errorf("non-sender edit should be restricted, got %v", err)
	}
	if err := f.svc.DeleteMessage(ctx, "bob", "msg_1"); !errors.Is(err, domain.ErrRoleRestricted) {
		t.Errorf("non-sender delete should be restricted, got %v", err)
	}

	if err := f.svc.DeleteMessage(ctx, "carol", "msg_1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if len(f.messages.deleted) != 1 {
		t.Errorf("delete not recorded: %v", f.messages.deleted)
	}

	msg.IsDeleted = true
	if _, err := f.svc.EditMessage(ctx, "carol", "msg_1", "too late"); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Errorf("editing a deleted message should fail, got %v", err)
	}
}

func TestChatService_Search(t *testing.T) {
	f := newChatFixture(t)
	s := &models.ConversationSummary{}
	s.ID = "conv_hit"
	f.convs.searchResults = []*models.ConversationSummary{s}

	results, err := f.svc.Search(context.Background(), "alice", "eng", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].ID != "conv_hit" {
		t.Errorf("unexpected results: %+v", results)
	}

	if _, err := f.svc.Search(context.Background(), "alice", "   ", 10); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("blank query should be rejected, got %v", err)
	}
}

func TestChatService_GetMessages_Limits(t *testing.T) {
	f := newChatFixture(t)
	conv := f.seedGroup(t)
	ctx := context.Background()

	if _, err := f.svc.GetMessages(ctx, "alice", conv.ID, ports.HistoryQuery{Limit: 100}); err != nil {
		t.Fatalf("limit at the maximum should be accepted: %v", err)
	}
	if _, err := f.svc.GetMessages(ctx, "alice", conv.ID, ports.HistoryQuery{Limit: 101}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("limit over the maximum should be rejected, got %v", err)
	}
	if _, err := f.svc.GetMessages(ctx, "mallory", conv.ID, ports.HistoryQuery{Limit: 10}); err == nil {
		t.Error("non-member should not read history")
	}
}

func TestChatService_GetMessages_AscendingOrder(t *testing.T) {
	f := newChatFixture(t)
	conv := f.seedGroup(t)
	ctx := context.Background()

	// The repository hands back a newest-first page.
	f.messages.page = &ports.MessagePage{
		Messages: []*models.Message{
			{ID: "msg_3"}, {ID: "msg_2"}, {ID: "msg_1"},
		},
		NextCursor: "msg_1",
	}

	before := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	page, err := f.svc.GetMessages(ctx, "alice", conv.ID, ports.HistoryQuery{
		Cursor: "msg_4",
		Before: before,
		Limit:  3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i, want := range []string{"msg_1", "msg_2", "msg_3"} {
		if page.Messages[i].ID != want {
			t.Fatalf("expected ascending order, got %v", page.Messages)
		}
	}
	if page.NextCursor != "msg_1" {
		t.Errorf("cursor should survive the reversal, got %q", page.NextCursor)
	}

	// The caller's viewer identity and filters reach the repository.
	if f.messages.lastQuery.ViewerID != "alice" {
		t.Errorf("expected viewer alice, got %q", f.messages.lastQuery.ViewerID)
	}
	if f.messages.lastQuery.Cursor != "msg_4" || !f.messages.lastQuery.Before.Equal(before) {
		t.Errorf("query not forwarded: %+v", f.messages.lastQuery)
	}
}

func TestChatService_SearchMessages(t *testing.T) {
	f := newChatFixture(t)
	f.messages.byID["msg_hit"] = &models.Message{ID: "msg_hit", Content: "quarterly report"}
	f.messages.byID["msg_miss"] = &models.Message{ID: "msg_miss", Content: "lunch?"}

	results, err := f.svc.SearchMessages(context.Background(), "alice", "report", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].ID != "msg_hit" {
		t.Errorf("unexpected results: %+v", results)
	}

	if _, err := f.svc.SearchMessages(context.Background(), "alice", "", 10); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("blank query should be rejected, got %v", err)
	}
}

func TestConversationCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 24, 10, 30, 0, 123456789, time.UTC)
	summary := &models.ConversationSummary{}
	summary.ID = "conv_42"
	summary.CreatedAt = at.Add(-time.Hour)
	summary.LastMessageAt = &at

	cursor := encodeConversationCursor(summary)
	decoded, err := decodeConversationCursor(cursor)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !decoded.LastMessageAt.Equal(at) {
		t.Errorf("timestamp mismatch: %v != %v", decoded.LastMessageAt, at)
	}
	if decoded.ConversationID != "conv_42" {
		t.Errorf("conversation mismatch: %s", decoded.ConversationID)
	}

	if pos, err := decodeConversationCursor(""); err != nil || pos != nil {
		t.Errorf("empty cursor should decode to nil, got %v, %v", pos, err)
	}
}
