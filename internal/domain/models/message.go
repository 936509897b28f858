package models

import (
	"time"
)

type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeImage MessageType = "IMAGE"
	MessageTypeFile  MessageType = "FILE"
	MessageTypeVoice MessageType = "VOICE"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeVoice:
		return true
	}
	return false
}

// Message is a persisted conversation message. IDs are time-ordered so that
// lexicographic order within a conversation matches server ingest order.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	ContentType    MessageType `json:"content_type"`
	MediaURL       string      `json:"media_url,omitempty"`

	// IdempotencyKey has a unique index; a second insert with the same key
	// is a no-op (at-least-once delivery, exactly-one row).
	IdempotencyKey string `json:"idempotency_key"`
	CorrelationID  string `json:"correlation_id"`

	IsEdited  bool   `json:"is_edited"`
	IsDeleted bool   `json:"is_deleted"`
	DeletedBy string `json:"deleted_by,omitempty"`
	ReplyToID string `json:"reply_to_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewMessage(id, conversationID, senderID, content string, contentType MessageType) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		ContentType:    contentType,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Attachment is an opaque reference into an external payload store; the
// pipeline never inspects the bytes behind it.
type Attachment struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Ref       string `json:"ref"`
	MimeType  string `json:"mime_type,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

type ReceiptState string

const (
	ReceiptSent      ReceiptState = "sent"
	ReceiptDelivered ReceiptState = "delivered"
	ReceiptRead      ReceiptState = "read"
)

// receiptRank orders states for the monotonicity check.
var receiptRank = map[ReceiptState]int{
	ReceiptSent:      1,
	ReceiptDelivered: 2,
	ReceiptRead:      3,
}

func (s ReceiptState) Valid() bool {
	_, ok := receiptRank[s]
	return ok
}

// Follows reports whether transitioning from prev to s respects the
// sent -> delivered -> read order. Equal states are allowed (idempotent).
func (s ReceiptState) Follows(prev ReceiptState) bool {
	return receiptRank[s] >= receiptRank[prev]
}

// Implies returns the states that s implies, in order, including s itself.
// Recording a read receipt materializes delivered and sent as well.
func (s ReceiptState) Implies() []ReceiptState {
	switch s {
	case ReceiptRead:
		return []ReceiptState{ReceiptSent, ReceiptDelivered, ReceiptRead}
	case ReceiptDelivered:
		return []ReceiptState{ReceiptSent, ReceiptDelivered}
	default:
		return []ReceiptState{ReceiptSent}
	}
}

// Receipt is a monotone (message, recipient, state) record; unique per
// triple, never transitions backward.
type Receipt struct {
	MessageID       string       `json:"message_id"`
	ConversationID  string       `json:"conversation_id"`
	RecipientUserID string       `json:"recipient_user_id"`
	State           ReceiptState `json:"state"`
	RecordedAt      time.Time    `json:"recorded_at"`
}
