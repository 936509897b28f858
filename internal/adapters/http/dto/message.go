package dto

import "github.com/meridian-chat/meridian/internal/domain/models"

// SendMessageRequest is the REST ingest shape; the socket path accepts the
// same fields inside a send_message event.
type SendMessageRequest struct {
	Content         string              `json:"content"`
	ContentType     string              `json:"content_type,omitempty"`
	MediaURL        string              `json:"media_url,omitempty"`
	ClientMessageID string              `json:"client_message_id,omitempty"`
	CorrelationID   string              `json:"correlation_id,omitempty"`
	Priority        string              `json:"priority,omitempty"`
	ReplyToID       string              `json:"reply_to_id,omitempty"`
	ThreadID        string              `json:"thread_id,omitempty"`
	Attachments     []models.Attachment `json:"attachments,omitempty"`
}

// SendMessageAck confirms enqueue, not persistence: the message is durable
// on the log but the row may not exist yet.
type SendMessageAck struct {
	MessageID     string `json:"message_id"`
	CorrelationID string `json:"correlation_id"`
	State         string `json:"state"`
	IdempotentHit bool   `json:"idempotent_hit,omitempty"`
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

// MarkReadRequest marks messages read either up to a watermark message or
// for an exact list of message IDs.
type MarkReadRequest struct {
	MessageID  string   `json:"message_id,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`
}

type MarkReadResponse struct {
	Updated int `json:"updated"`
}
