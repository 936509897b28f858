package handlers

import (
	"net/http"

	"github.com/meridian-chat/meridian/internal/adapters/http/dto"
	"github.com/meridian-chat/meridian/internal/adapters/http/middleware"
	"github.com/meridian-chat/meridian/internal/application/services"
	"github.com/meridian-chat/meridian/internal/domain/models"
	"github.com/meridian-chat/meridian/internal/ports"
)

type MessagesHandler struct {
	chat     *services.ChatService
	producer ports.MessageProducer
}

func NewMessagesHandler(chat *services.ChatService, producer ports.MessageProducer) *MessagesHandler {
	return &MessagesHandler{chat: chat, producer: producer}
}

func (h *MessagesHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID, ok := validateURLParam(r, w, "id", "conversation id")
	if !ok {
		return
	}
	q := ports.HistoryQuery{
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  parseIntQuery(r, "limit", 0),
		Before: parseTimeQuery(r, "before"),
		After:  parseTimeQuery(r, "after"),
	}

	page, err := h.chat.GetMessages(r.Context(), userID, conversationID, q)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, page, http.StatusOK)
}

// Send enqueues a message through the same producer as the socket path and
// answers 202: the ack means durably enqueued, not yet persisted.
func (h *MessagesHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID, ok := validateURLParam(r, w, "id", "conversation id")
	if !ok {
		return
	}
	req, ok := decodeJSON[dto.SendMessageRequest](r, w)
	if !ok {
		return
	}

	contentType := models.MessageType(req.ContentType)
	if req.ContentType == "" {
		contentType = models.MessageTypeText
	}

	env, err := h.producer.Produce(r.Context(), &ports.SendInput{
		ConversationID:  conversationID,
		SenderID:        userID,
		Content:         req.Content,
		ContentType:     contentType,
		MediaURL:        req.MediaURL,
		ClientMessageID: req.ClientMessageID,
		CorrelationID:   req.CorrelationID,
		Priority:        models.Priority(req.Priority),
		ReplyToID:       req.ReplyToID,
		ThreadID:        req.ThreadID,
		Client:          "rest",
		Attachments:     req.Attachments,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, &dto.SendMessageAck{
		MessageID:     env.MessageID,
		CorrelationID: env.CorrelationID,
		State:         "pending",
		IdempotentHit: env.IdempotentHit,
	}, http.StatusAccepted)
}

// Search matches message content across the caller's conversations.
func (h *MessagesHandler) Search(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	query := r.URL.Query().Get("q")
	limit := parseIntQuery(r, "limit", 0)

	results, err := h.chat.SearchMessages(r.Context(), userID, query, limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, results, http.StatusOK)
}

func (h *MessagesHandler) Edit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	messageID, ok := validateURLParam(r, w, "id", "message id")
	if !ok {
		return
	}
	req, ok := decodeJSON[dto.EditMessageRequest](r, w)
	if !ok {
		return
	}

	msg, err := h.chat.EditMessage(r.Context(), userID, messageID, req.Content)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, msg, http.StatusOK)
}

func (h *MessagesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	messageID, ok := validateURLParam(r, w, "id", "message id")
	if !ok {
		return
	}

	if err := h.chat.DeleteMessage(r.Context(), userID, messageID); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessagesHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID, ok := validateURLParam(r, w, "id", "conversation id")
	if !ok {
		return
	}
	req, ok := decodeJSON[dto.MarkReadRequest](r, w)
	if !ok {
		return
	}

	var updated int
	var err error
	if len(req.MessageIDs) > 0 {
		updated, err = h.chat.MarkReadMessages(r.Context(), userID, conversationID, req.MessageIDs)
	} else {
		updated, err = h.chat.MarkRead(r.Context(), userID, conversationID, req.MessageID)
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, &dto.MarkReadResponse{Updated: updated}, http.StatusOK)
}
