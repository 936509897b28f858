package dto

// CreateConversationRequest creates either a direct conversation (kind
// "direct", other_user_id set) or a group (kind "group", title + members).
type CreateConversationRequest struct {
	Kind        string   `json:"kind"`
	OtherUserID string   `json:"other_user_id,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	MemberIDs   []string `json:"member_ids,omitempty"`
}

type UpdateConversationRequest struct {
	Pinned   *bool `json:"pinned,omitempty"`
	Archived *bool `json:"archived,omitempty"`
}

type AddParticipantRequest struct {
	UserID string `json:"user_id"`
}

type UpdateRoleRequest struct {
	Role string `json:"role"`
}

type UnreadCountResponse struct {
	Total int `json:"total"`
}
