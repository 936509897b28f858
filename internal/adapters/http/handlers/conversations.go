package handlers

import (
	"net/http"

	"github.com/meridian-chat/meridian/internal/adapters/http/dto"
	"github.com/meridian-chat/meridian/internal/adapters/http/middleware"
	"github.com/meridian-chat/meridian/internal/application/services"
	"github.com/meridian-chat/meridian/internal/domain/models"
)

type ConversationsHandler struct {
	chat *services.ChatService
}

func NewConversationsHandler(chat *services.ChatService) *ConversationsHandler {
	return &ConversationsHandler{chat: chat}
}

func (h *ConversationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	req, ok := decodeJSON[dto.CreateConversationRequest](r, w)
	if !ok {
		return
	}

	var conv *models.Conversation
	var err error
	switch req.Kind {
	case "direct":
		conv, err = h.chat.CreateDirect(r.Context(), userID, req.OtherUserID)
	case "group":
		conv, err = h.chat.CreateGroup(r.Context(), userID, req.Title, req.Description, req.MemberIDs)
	default:
		respondError(w, "invalid_request", "kind must be direct or group", http.StatusBadRequest)
		return
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, conv, http.StatusCreated)
}

func (h *ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit := parseIntQuery(r, "limit", 0)
	cursor := r.URL.Query().Get("cursor")

	page, err := h.chat.ListConversations(r.Context(), userID, cursor, limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, page, http.StatusOK)
}

func (h *ConversationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID, ok := validateURLParam(r, w, "id", "conversation id")
	if !ok {
		return
	}

	details, err := h.chat.GetConversation(r.Context(), userID, conversationID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, details, http.StatusOK)
}

// Patch changes pin (shared) or archive (per member) state.
func (h *ConversationsHandler) Patch(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID, ok := validateURLParam(r, w, "id", "conversation id")
	if !ok {
		return
	}
	req, ok := decodeJSON[dto.UpdateConversationRequest](r, w)
	if !ok {
		return
	}
	if req.Pinned == nil && req.Archived == nil {
		respondError(w, "invalid_request", "nothing to update", http.StatusBadRequest)
		return
	}

	if req.Pinned != nil {
		if err := h.chat.SetPinned(r.Context(), userID, conversationID, *req.Pinned); err != nil {
			respondDomainError(w, err)
			return
		}
	}
	if req.Archived != nil {
		if err := h.chat.SetArchived(r.Context(), userID, conversationID, *req.Archived); err != nil {
			respondDomainError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID, ok := validateURLParam(r, w, "id", "conversation id")
	if !ok {
		return
	}

	if err := h.chat.DeleteConversation(r.Context(), userID, conversationID); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationsHandler) Search(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	query := r.URL.Query().Get("q")
	limit := parseIntQuery(r, "limit", 0)

	results, err := h.chat.Search(r.Context(), userID, query, limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, results, http.StatusOK)
}

func (h *ConversationsHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	total, err := h.chat.UnreadCount(r.Context(), userID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, &dto.UnreadCountResponse{Total: total}, http.StatusOK)
}

func (h *ConversationsHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID, ok := validateURLParam(r, w, "id", "conversation id")
	if !ok {
		return
	}
	req, ok := decodeJSON[dto.AddParticipantRequest](r, w)
	if !ok {
		return
	}
	if req.UserID == "" {
		respondError(w, "invalid_request", "user_id is required", http.StatusBadRequest)
		return
	}

	if err := h.chat.AddParticipant(r.Context(), userID, conversationID, req.UserID); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationsHandler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID, ok := validateURLParam(r, w, "id", "conversation id")
	if !ok {
		return
	}
	targetID, ok := validateURLParam(r, w, "userId", "user id")
	if !ok {
		return
	}

	if err := h.chat.RemoveParticipant(r.Context(), userID, conversationID, targetID); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationsHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID, ok := validateURLParam(r, w, "id", "conversation id")
	if !ok {
		return
	}
	targetID, ok := validateURLParam(r, w, "userId", "user id")
	if !ok {
		return
	}
	req, ok := decodeJSON[dto.UpdateRoleRequest](r, w)
	if !ok {
		return
	}

	err := h.chat.UpdateRole(r.Context(), userID, conversationID, targetID, models.MemberRole(req.Role))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
