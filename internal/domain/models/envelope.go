package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type Priority string

const (
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// EnvelopeFlags carries the optional message flags through the log.
type EnvelopeFlags struct {
	IsEdited        bool   `json:"isEdited,omitempty" msgpack:"isEdited,omitempty"`
	IsDeleted       bool   `json:"isDeleted,omitempty" msgpack:"isDeleted,omitempty"`
	RequiresReceipt bool   `json:"requiresReceipt,omitempty" msgpack:"requiresReceipt,omitempty"`
	ReplyToID       string `json:"replyToId,omitempty" msgpack:"replyToId,omitempty"`
	ThreadID        string `json:"threadId,omitempty" msgpack:"threadId,omitempty"`
}

// EnvelopeMetadata is the serialized metadata field of a log record.
type EnvelopeMetadata struct {
	Content      string         `json:"content,omitempty" msgpack:"content,omitempty"`
	ContentType  MessageType    `json:"contentType" msgpack:"contentType"`
	MediaURL     string         `json:"mediaUrl,omitempty" msgpack:"mediaUrl,omitempty"`
	Attachments  []Attachment   `json:"attachments,omitempty" msgpack:"attachments,omitempty"`
	Priority     Priority       `json:"priority" msgpack:"priority"`
	RetryCount   int            `json:"retryCount" msgpack:"retryCount"`
	RecipientIDs []string       `json:"recipientIds" msgpack:"recipientIds"`
	Client       string         `json:"client,omitempty" msgpack:"client,omitempty"`
	Flags        *EnvelopeFlags `json:"flags,omitempty" msgpack:"flags,omitempty"`
}

// Envelope is the on-log record that carries a message from the producer to
// the per-partition consumer. The durable log owns it until acknowledged.
type Envelope struct {
	MessageID      string           `json:"messageId" msgpack:"messageId"`
	ConversationID string           `json:"conversationId" msgpack:"conversationId"`
	SenderID       string           `json:"senderId" msgpack:"senderId"`
	CreatedAt      time.Time        `json:"createdAt" msgpack:"createdAt"`
	PayloadKey     string           `json:"payloadKey,omitempty" msgpack:"payloadKey,omitempty"`
	IdempotencyKey string           `json:"idempotencyKey" msgpack:"idempotencyKey"`
	CorrelationID  string           `json:"correlationId" msgpack:"correlationId"`
	Metadata       EnvelopeMetadata `json:"metadata" msgpack:"metadata"`

	// IdempotentHit marks an ack answered from the producer's ack cache
	// rather than a fresh enqueue. Never written to the log.
	IdempotentHit bool `json:"-" msgpack:"-"`
}

// Field names of the flat log record.
const (
	envFieldMessageID      = "messageId"
	envFieldConversationID = "conversationId"
	envFieldSenderID       = "senderId"
	envFieldCreatedAt      = "createdAt"
	envFieldPayloadKey     = "payloadKey"
	envFieldIdempotencyKey = "idempotencyKey"
	envFieldCorrelationID  = "correlationId"
	envFieldMetadata       = "metadata"
)

// Fields flattens the envelope into the string key-value shape the stream
// append expects. Metadata is serialized as a JSON object.
func (e *Envelope) Fields() (map[string]interface{}, error) {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope metadata: %w", err)
	}
	fields := map[string]interface{}{
		envFieldMessageID:      e.MessageID,
		envFieldConversationID: e.ConversationID,
		envFieldSenderID:       e.SenderID,
		envFieldCreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339Nano),
		envFieldIdempotencyKey: e.IdempotencyKey,
		envFieldCorrelationID:  e.CorrelationID,
		envFieldMetadata:       string(meta),
	}
	if e.PayloadKey != "" {
		fields[envFieldPayloadKey] = e.PayloadKey
	}
	return fields, nil
}

// EnvelopeFromFields reverses Fields. Round-tripping preserves every field.
func EnvelopeFromFields(fields map[string]string) (*Envelope, error) {
	e := &Envelope{
		MessageID:      fields[envFieldMessageID],
		ConversationID: fields[envFieldConversationID],
		SenderID:       fields[envFieldSenderID],
		PayloadKey:     fields[envFieldPayloadKey],
		IdempotencyKey: fields[envFieldIdempotencyKey],
		CorrelationID:  fields[envFieldCorrelationID],
	}
	if e.MessageID == "" || e.ConversationID == "" {
		return nil, fmt.Errorf("envelope missing identity fields")
	}
	if raw := fields[envFieldCreatedAt]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse envelope createdAt: %w", err)
		}
		e.CreatedAt = ts
	}
	if raw := fields[envFieldMetadata]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal envelope metadata: %w", err)
		}
	}
	return e, nil
}
