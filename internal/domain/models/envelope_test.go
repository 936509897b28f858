package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_FieldsRoundTrip(t *testing.T) {
	created := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)
	env := &Envelope{
		MessageID:      "msg_abc",
		ConversationID: "conv_1",
		SenderID:       "alice",
		CreatedAt:      created,
		PayloadKey:     "payload:conv_1:msg_abc",
		IdempotencyKey: "client_deadbeef",
		CorrelationID:  "corr_1",
		Metadata: EnvelopeMetadata{
			Content:      "hello",
			ContentType:  MessageTypeText,
			Priority:     PriorityHigh,
			RetryCount:   2,
			RecipientIDs: []string{"alice", "bob"},
			Client:       "socket",
			Flags:        &EnvelopeFlags{ReplyToID: "msg_parent", RequiresReceipt: true},
		},
	}

	fields, err := env.Fields()
	require.NoError(t, err)

	flat := make(map[string]string, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		require.True(t, ok, "field %s should be a string", k)
		flat[k] = s
	}

	got, err := EnvelopeFromFields(flat)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestEnvelope_FieldsOmitsEmptyPayloadKey(t *testing.T) {
	env := &Envelope{
		MessageID:      "msg_abc",
		ConversationID: "conv_1",
		SenderID:       "alice",
		CreatedAt:      time.Now().UTC(),
		IdempotencyKey: "idem_1",
	}

	fields, err := env.Fields()
	require.NoError(t, err)
	assert.NotContains(t, fields, "payloadKey")
}

func TestEnvelopeFromFields_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
	}{
		{"missing message id", map[string]string{"conversationId": "conv_1"}},
		{"missing conversation id", map[string]string{"messageId": "msg_1"}},
		{"bad timestamp", map[string]string{
			"messageId": "msg_1", "conversationId": "conv_1", "createdAt": "yesterday",
		}},
		{"bad metadata json", map[string]string{
			"messageId": "msg_1", "conversationId": "conv_1", "metadata": "{",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EnvelopeFromFields(tt.fields)
			assert.Error(t, err)
		})
	}
}

func TestReceiptState_Follows(t *testing.T) {
	assert.True(t, ReceiptDelivered.Follows(ReceiptSent))
	assert.True(t, ReceiptRead.Follows(ReceiptDelivered))
	assert.True(t, ReceiptRead.Follows(ReceiptRead), "equal states are idempotent")
	assert.False(t, ReceiptSent.Follows(ReceiptRead), "receipts never move backward")
	assert.False(t, ReceiptDelivered.Follows(ReceiptRead))
}

func TestReceiptState_Implies(t *testing.T) {
	assert.Equal(t, []ReceiptState{ReceiptSent, ReceiptDelivered, ReceiptRead}, ReceiptRead.Implies())
	assert.Equal(t, []ReceiptState{ReceiptSent, ReceiptDelivered}, ReceiptDelivered.Implies())
	assert.Equal(t, []ReceiptState{ReceiptSent}, ReceiptSent.Implies())
}
