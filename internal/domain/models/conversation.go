package models

import (
	"time"
)

type ConversationKind string

const (
	ConversationKindDirect ConversationKind = "direct"
	ConversationKindGroup  ConversationKind = "group"
)

type MemberRole string

const (
	MemberRoleOwner  MemberRole = "owner"
	MemberRoleAdmin  MemberRole = "admin"
	MemberRoleMember MemberRole = "member"
)

// Conversation is the unit of message ordering: every message in a
// conversation lands on the same log partition.
type Conversation struct {
	ID          string           `json:"id"`
	Kind        ConversationKind `json:"kind"`
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description,omitempty"`
	IsActive    bool             `json:"is_active"`
	IsPinned    bool             `json:"is_pinned"`

	// Denormalized last-message pointer; the message row itself is resolved
	// on demand (avoids a cyclic reference between the two tables).
	LastMessageID string     `json:"last_message_id,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func NewConversation(id string, kind ConversationKind, title string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        id,
		Kind:      kind,
		Title:     title,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AcceptsMessages reports whether new messages may be produced into this
// conversation. Inactive or deleted conversations reject sends.
func (c *Conversation) AcceptsMessages() bool {
	return c.IsActive && c.DeletedAt == nil
}

// ConversationMember is a membership row. At most one active row exists per
// (conversation, user); group conversations have exactly one owner.
type ConversationMember struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Role           MemberRole `json:"role"`
	IsActive       bool       `json:"is_active"`
	IsArchived     bool       `json:"is_archived"`
	JoinedAt       time.Time  `json:"joined_at"`
}

func NewMember(conversationID, userID string, role MemberRole) *ConversationMember {
	return &ConversationMember{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		IsActive:       true,
		JoinedAt:       time.Now().UTC(),
	}
}

// CanManageMembers reports whether this member may add or remove
// participants and change pins.
func (m *ConversationMember) CanManageMembers() bool {
	return m.Role == MemberRoleOwner || m.Role == MemberRoleAdmin
}

// ConversationSummary is a listing row carrying the batched aggregates the
// listing endpoint returns: unread count, last message pointer, member count.
type ConversationSummary struct {
	Conversation
	UnreadCount      int `json:"unread_count"`
	ParticipantCount int `json:"participant_count"`
}
