package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meridian-chat/meridian/internal/adapters/metrics"
	"github.com/meridian-chat/meridian/internal/domain"
	"github.com/meridian-chat/meridian/internal/domain/models"
	"github.com/meridian-chat/meridian/internal/ports"
)

const (
	defaultPageSize    = 20
	maxPageSize        = 100
	defaultMessageSize = 50
	maxSearchLimit     = 50

	listCacheTTL   = 30 * time.Second
	unreadCacheTTL = 10 * time.Second
)

// ChatService is the read-and-management facade over conversations. Message
// ingest goes through the producer, not through here; this service owns
// everything else: creation, listing, history, receipts, membership, search.
type ChatService struct {
	convs    ports.ConversationRepository
	members  ports.MemberRepository
	messages ports.MessageRepository
	receipts ports.ReceiptRepository
	presence ports.PresenceStore
	cache    ports.ResultCache
	tx       ports.TransactionManager
	ids      ports.IDGenerator
	fanout   ports.FanoutQueue
}

func NewChatService(
	convs ports.ConversationRepository,
	members ports.MemberRepository,
	messages ports.MessageRepository,
	receipts ports.ReceiptRepository,
	presence ports.PresenceStore,
	cache ports.ResultCache,
	tx ports.TransactionManager,
	ids ports.IDGenerator,
	fanout ports.FanoutQueue,
) *ChatService {
	return &ChatService{
		convs:    convs,
		members:  members,
		messages: messages,
		receipts: receipts,
		presence: presence,
		cache:    cache,
		tx:       tx,
		ids:      ids,
		fanout:   fanout,
	}
}

// CreateDirect returns the existing direct conversation between the two
// users, or creates one. Direct conversations are unique per pair.
func (s *ChatService) CreateDirect(ctx context.Context, userID, otherUserID string) (*models.Conversation, error) {
	if userID == "" || otherUserID == "" {
		return nil, domain.NewDomainError(domain.ErrInvalidInput, "both user ids are required")
	}
	if userID == otherUserID {
		return nil, domain.NewDomainError(domain.ErrInvalidInput, "cannot start a direct conversation with yourself")
	}

	blocked, err := s.members.IsBlocked(ctx, userID, otherUserID)
	if err != nil {
		return nil, domain.NewDomainError(err, "failed to check block state")
	}
	if blocked {
		return nil, domain.ErrUserBlocked
	}

	existing, err := s.convs.FindDirect(ctx, userID, otherUserID)
	if err == nil {
		return existing, nil
	}

	conv := models.NewConversation(s.ids.ConversationID(), models.ConversationKindDirect, "")
	members := []*models.ConversationMember{
		models.NewMember(conv.ID, userID, models.MemberRoleMember),
		models.NewMember(conv.ID, otherUserID, models.MemberRoleMember),
	}
	if err := s.convs.Create(ctx, conv, members); err != nil {
		return nil, domain.NewDomainError(err, "failed to create conversation")
	}

	s.invalidateListings(ctx, userID, otherUserID)
	return conv, nil
}

// CreateGroup creates a group conversation with the creator as its owner.
func (s *ChatService) CreateGroup(ctx context.Context, ownerID, title, description string, memberIDs []string) (*models.Conversation, error) {
	if ownerID == "" {
		return nil, domain.NewDomainError(domain.ErrInvalidInput, "owner id is required")
	}
	if strings.TrimSpace(title) == "" {
		return nil, domain.NewDomainError(domain.ErrInvalidInput, "group title is required")
	}

	conv := models.NewConversation(s.ids.ConversationID(), models.ConversationKindGroup, title)
	conv.Description = description

	members := []*models.ConversationMember{
		models.NewMember(conv.ID, ownerID, models.MemberRoleOwner),
	}
	seen := map[string]bool{ownerID: true}
	for _, id := range memberIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, models.NewMember(conv.ID, id, models.MemberRoleMember))
	}

	if err := s.convs.Create(ctx, conv, members); err != nil {
		return nil, domain.NewDomainError(err, "failed to create conversation")
	}

	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	s.invalidateListings(ctx, ids...)
	return conv, nil
}

// ConversationPage is one page of the activity-ordered listing.
type ConversationPage struct {
	Conversations []*models.ConversationSummary `json:"conversations"`
	NextCursor    string                        `json:"next_cursor,omitempty"`
}

// ListConversations pages through the user's conversations, most recently
// active first. The first page is served from the result cache when warm.
func (s *ChatService) ListConversations(ctx context.Context, userID, cursor string, limit int) (*ConversationPage, error) {
	limit = clampLimit(limit, defaultPageSize, maxPageSize)

	cacheKey := "conv:list:" + userID
	if cursor == "" {
		var cached ConversationPage
		if hit, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && hit && len(cached.Conversations) >= limit {
			page := &ConversationPage{Conversations: cached.Conversations[:limit]}
			// The cached cursor belongs to the cached page size; a smaller
			// window needs its own cursor so nothing is skipped.
			if len(cached.Conversations) > limit || cached.NextCursor != "" {
				page.NextCursor = encodeConversationCursor(page.Conversations[limit-1])
			}
			return page, nil
		}
	}

	pos, err := decodeConversationCursor(cursor)
	if err != nil {
		return nil, err
	}

	// One extra row decides whether another page exists.
	summaries, err := s.convs.ListForUser(ctx, userID, pos, limit+1)
	if err != nil {
		return nil, domain.NewDomainError(err, "failed to list conversations")
	}

	page := &ConversationPage{Conversations: summaries}
	if len(summaries) > limit {
		page.Conversations = summaries[:limit]
		last := page.Conversations[limit-1]
		page.NextCursor = encodeConversationCursor(last)
	}

	if cursor == "" {
		if err := s.cache.Set(ctx, cacheKey, page, listCacheTTL); err == nil {
			metrics.CacheRequests.WithLabelValues("conv", "write").Inc()
		}
	}
	return page, nil
}

// ConversationDetails is the single-conversation view: the conversation, its
// members and their current presence.
type ConversationDetails struct {
	Conversation *models.Conversation         `json:"conversation"`
	Members      []*models.ConversationMember `json:"members"`
	Presence     []*models.PresenceStatus     `json:"presence,omitempty"`
}

// GetConversation returns the conversation with presence-decorated members.
// Only active members may see it.
func (s *ChatService) GetConversation(ctx context.Context, userID, conversationID string) (*ConversationDetails, error) {
	conv, _, err := s.authorize(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	members, err := s.members.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, domain.NewDomainError(err, "failed to load members")
	}

	details := &ConversationDetails{Conversation: conv, Members: members}

	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	// Presence decoration is best effort; a presence store outage must not
	// take down conversation reads.
	if statuses, err := s.presence.GetMany(ctx, ids); err == nil {
		for _, id := range ids {
			if st := statuses[id]; st != nil {
				details.Presence = append(details.Presence, st)
			}
		}
	}
	return details, nil
}

// GetMessages pages backward through a conversation's history. Each page is
// returned in ascending creation order; the cursor still walks toward older
// messages.
func (s *ChatService) GetMessages(ctx context.Context, userID, conversationID string, q ports.HistoryQuery) (*ports.MessagePage, error) {
	if q.Limit > maxPageSize {
		return nil, domain.NewDomainError(domain.ErrInvalidInput,
			fmt.Sprintf("limit %d exceeds the maximum of %d", q.Limit, maxPageSize))
	}
	if q.Limit <= 0 {
		q.Limit = defaultMessageSize
	}

	if _, _, err := s.authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	q.ViewerID = userID
	page, err := s.messages.ListByConversation(ctx, conversationID, q)
	if err != nil {
		return nil, domain.NewDomainError(err, "failed to load messages")
	}

	// The repository pages newest first; display order is ascending.
	msgs := page.Messages
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return page, nil
}

// MarkRead records read receipts for every unread message up to and
// including messageID, then fans the receipts out to the other members.
func (s *ChatService) MarkRead(ctx context.Context, userID, conversationID, messageID string) (int, error) {
	if messageID == "" {
		return 0, domain.NewDomainError(domain.ErrInvalidInput, "message id is required")
	}
	if _, _, err := s.authorize(ctx, userID, conversationID); err != nil {
		return 0, err
	}

	var updated int
	err := s.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		updated, err = s.receipts.MarkConversationRead(txCtx, conversationID, userID, messageID)
		return err
	})
	if err != nil {
		return 0, domain.NewDomainError(err, "failed to mark conversation read")
	}

	if updated > 0 {
		s.publishRead(ctx, userID, conversationID, []string{messageID})
	}
	return updated, nil
}

// MarkReadMessages records read receipts for exactly the listed messages,
// then fans the receipts out to the other members.
func (s *ChatService) MarkReadMessages(ctx context.Context, userID, conversationID string, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, domain.NewDomainError(domain.ErrInvalidInput, "at least one message id is required")
	}
	if _, _, err := s.authorize(ctx, userID, conversationID); err != nil {
		return 0, err
	}

	var updated int
	err := s.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		updated, err = s.receipts.MarkMessagesRead(txCtx, conversationID, userID, messageIDs)
		return err
	})
	if err != nil {
		return 0, domain.NewDomainError(err, "failed to mark messages read")
	}

	if updated > 0 {
		s.publishRead(ctx, userID, conversationID, messageIDs)
	}
	return updated, nil
}

// publishRead invalidates the reader's cached listings and fans a
// messages_read event out to the other members.
func (s *ChatService) publishRead(ctx context.Context, userID, conversationID string, messageIDs []string) {
	s.invalidateListings(ctx, userID)

	recipients, err := s.members.ActiveUserIDs(ctx, conversationID)
	if err != nil {
		return
	}
	others := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r != userID {
			others = append(others, r)
		}
	}

	now := time.Now().UTC()
	receipts := make([]*models.Receipt, 0, len(messageIDs))
	for _, id := range messageIDs {
		receipts = append(receipts, &models.Receipt{
			MessageID:       id,
			ConversationID:  conversationID,
			RecipientUserID: userID,
			State:           models.ReceiptRead,
			RecordedAt:      now,
		})
	}
	s.fanout.Enqueue(&ports.FanoutEvent{
		Type:           "messages_read",
		ConversationID: conversationID,
		UserID:         userID,
		RecipientIDs:   others,
		MessageIDs:     messageIDs,
		Receipts:       receipts,
	})
}

// AddParticipant adds a user to a group conversation. Only owners and admins
// may add; a previously removed member is reactivated.
func (s *ChatService) AddParticipant(ctx context.Context, actorID, conversationID, userID string) error {
	conv, actor, err := s.authorize(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	if conv.Kind != models.ConversationKindGroup {
		return domain.NewDomainError(domain.ErrInvalidInput, "participants can only be added to group conversations")
	}
	if !actor.CanManageMembers() {
		return domain.ErrRoleRestricted
	}

	if err := s.members.Add(ctx, models.NewMember(conversationID, userID, models.MemberRoleMember)); err != nil {
		return domain.NewDomainError(err, "failed to add participant")
	}
	s.invalidateListings(ctx, userID)
	return nil
}

// RemoveParticipant removes a user from a group conversation. Members may
// remove themselves; removing others requires owner or admin. The last owner
// cannot leave.
func (s *ChatService) RemoveParticipant(ctx context.Context, actorID, conversationID, userID string) error {
	conv, actor, err := s.authorize(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	if conv.Kind != models.ConversationKindGroup {
		return domain.NewDomainError(domain.ErrInvalidInput, "participants can only be removed from group conversations")
	}
	if actorID != userID && !actor.CanManageMembers() {
		return domain.ErrRoleRestricted
	}

	target, err := s.members.Get(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if target.Role == models.MemberRoleOwner {
		owners, err := s.members.CountOwners(ctx, conversationID)
		if err != nil {
			return domain.NewDomainError(err, "failed to count owners")
		}
		if owners <= 1 {
			return domain.ErrSoleOwner
		}
	}

	if err := s.members.Deactivate(ctx, conversationID, userID); err != nil {
		return domain.NewDomainError(err, "failed to remove participant")
	}
	s.invalidateListings(ctx, userID)
	return nil
}

// UpdateRole changes a member's role. Only owners may grant or revoke roles,
// and the last owner cannot be demoted.
func (s *ChatService) UpdateRole(ctx context.Context, actorID, conversationID, userID string, role models.MemberRole) error {
	switch role {
	case models.MemberRoleOwner, models.MemberRoleAdmin, models.MemberRoleMember:
	default:
		return domain.NewDomainError(domain.ErrInvalidInput, fmt.Sprintf("unknown role %q", role))
	}

	_, actor, err := s.authorize(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	if actor.Role != models.MemberRoleOwner {
		return domain.ErrRoleRestricted
	}

	target, err := s.members.Get(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if target.Role == models.MemberRoleOwner && role != models.MemberRoleOwner {
		owners, err := s.members.CountOwners(ctx, conversationID)
		if err != nil {
			return domain.NewDomainError(err, "failed to count owners")
		}
		if owners <= 1 {
			return domain.ErrSoleOwner
		}
	}

	if err := s.members.UpdateRole(ctx, conversationID, userID, role); err != nil {
		return domain.NewDomainError(err, "failed to update role")
	}
	return nil
}

// SetPinned pins or unpins the conversation for everyone. Owner or admin only.
func (s *ChatService) SetPinned(ctx context.Context, actorID, conversationID string, pinned bool) error {
	conv, actor, err := s.authorize(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	if !actor.CanManageMembers() {
		return domain.ErrRoleRestricted
	}

	conv.IsPinned = pinned
	conv.UpdatedAt = time.Now().UTC()
	if err := s.convs.Update(ctx, conv); err != nil {
		return domain.NewDomainError(err, "failed to update conversation")
	}
	return nil
}

// SetArchived archives or unarchives the conversation for the calling user
// only; other members are unaffected.
func (s *ChatService) SetArchived(ctx context.Context, userID, conversationID string, archived bool) error {
	if _, _, err := s.authorize(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := s.members.SetArchived(ctx, conversationID, userID, archived); err != nil {
		return domain.NewDomainError(err, "failed to update archive state")
	}
	s.invalidateListings(ctx, userID)
	return nil
}

// DeleteConversation soft-deletes a conversation. Owner only.
func (s *ChatService) DeleteConversation(ctx context.Context, actorID, conversationID string) error {
	_, actor, err := s.authorize(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	if actor.Role != models.MemberRoleOwner {
		return domain.ErrRoleRestricted
	}

	if err := s.convs.SoftDelete(ctx, conversationID); err != nil {
		return domain.NewDomainError(err, "failed to delete conversation")
	}

	if ids, err := s.members.ActiveUserIDs(ctx, conversationID); err == nil {
		s.invalidateListings(ctx, ids...)
	}
	return nil
}

// Search finds the user's conversations by title match, most recently
// active first.
func (s *ChatService) Search(ctx context.Context, userID, query string, limit int) ([]*models.ConversationSummary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.NewDomainError(domain.ErrInvalidInput, "search query is required")
	}
	limit = clampLimit(limit, defaultPageSize, maxSearchLimit)

	results, err := s.convs.SearchForUser(ctx, userID, query, limit)
	if err != nil {
		return nil, domain.NewDomainError(err, "search failed")
	}
	return results, nil
}

// SearchMessages finds messages by content across the user's conversations,
// newest first. Membership gating is enforced by the repository query.
func (s *ChatService) SearchMessages(ctx context.Context, userID, query string, limit int) ([]*models.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.NewDomainError(domain.ErrInvalidInput, "search query is required")
	}
	limit = clampLimit(limit, defaultPageSize, maxSearchLimit)

	results, err := s.messages.SearchForUser(ctx, userID, query, limit)
	if err != nil {
		return nil, domain.NewDomainError(err, "message search failed")
	}
	return results, nil
}

// UnreadCount returns the user's total unread messages across all their
// conversations, cached briefly.
func (s *ChatService) UnreadCount(ctx context.Context, userID string) (int, error) {
	cacheKey := "conv:unread:" + userID
	var cached int
	if hit, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
		return cached, nil
	}

	summaries, err := s.convs.ListForUser(ctx, userID, nil, maxPageSize)
	if err != nil {
		return 0, domain.NewDomainError(err, "failed to compute unread count")
	}

	total := 0
	for _, summary := range summaries {
		total += summary.UnreadCount
	}

	_ = s.cache.Set(ctx, cacheKey, total, unreadCacheTTL)
	return total, nil
}

// EditMessage replaces a message's content. Sender only.
func (s *ChatService) EditMessage(ctx context.Context, userID, messageID, content string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, domain.NewDomainError(domain.ErrInvalidInput, "content is required")
	}

	msg, err := s.ownedMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}

	if err := s.messages.UpdateContent(ctx, messageID, content); err != nil {
		return nil, domain.NewDomainError(err, "failed to edit message")
	}
	msg.Content = content
	msg.IsEdited = true
	return msg, nil
}

// DeleteMessage tombstones a message. Sender only; content is cleared, the
// row survives so history pagination stays stable.
func (s *ChatService) DeleteMessage(ctx context.Context, userID, messageID string) error {
	if _, err := s.ownedMessage(ctx, userID, messageID); err != nil {
		return err
	}
	if err := s.messages.MarkDeleted(ctx, messageID, userID); err != nil {
		return domain.NewDomainError(err, "failed to delete message")
	}
	return nil
}

// authorize loads the conversation and verifies the user is an active member.
func (s *ChatService) authorize(ctx context.Context, userID, conversationID string) (*models.Conversation, *models.ConversationMember, error) {
	if userID == "" || conversationID == "" {
		return nil, nil, domain.NewDomainError(domain.ErrInvalidInput, "user id and conversation id are required")
	}

	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	member, err := s.members.Get(ctx, conversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	if !member.IsActive {
		return nil, nil, domain.ErrNotMember
	}
	return conv, member, nil
}

func (s *ChatService) ownedMessage(ctx context.Context, userID, messageID string) (*models.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, domain.ErrRoleRestricted
	}
	if msg.IsDeleted {
		return nil, domain.ErrMessageNotFound
	}
	if _, _, err := s.authorize(ctx, userID, msg.ConversationID); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *ChatService) invalidateListings(ctx context.Context, userIDs ...string) {
	keys := make([]string, 0, len(userIDs)*2)
	for _, id := range userIDs {
		keys = append(keys, "conv:list:"+id, "conv:unread:"+id)
	}
	if err := s.cache.Invalidate(ctx, keys...); err == nil {
		metrics.CacheRequests.WithLabelValues("conv", "invalidate").Add(float64(len(keys)))
	}
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// Conversation cursors encode the activity position of the last row of a
// page: the activity timestamp in unix nanoseconds plus the conversation ID
// as tiebreak.
func encodeConversationCursor(summary *models.ConversationSummary) string {
	at := summary.CreatedAt
	if summary.LastMessageAt != nil {
		at = *summary.LastMessageAt
	}
	raw := strconv.FormatInt(at.UnixNano(), 10) + "|" + summary.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeConversationCursor(cursor string) (*ports.ConversationCursor, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, domain.ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, domain.ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, domain.ErrInvalidCursor
	}
	return &ports.ConversationCursor{
		LastMessageAt:  time.Unix(0, nanos).UTC(),
		ConversationID: parts[1],
	}, nil
}
