package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DeriveIdempotencyKey builds the deduplication key for a message. A
// client-supplied message ID anchors the key so resends of the same client
// message always collapse; without one, the key hashes the conversation,
// sender, content and a one-second time bucket, which absorbs rapid
// double-submits.
func DeriveIdempotencyKey(clientMessageID, senderID, conversationID, content string, at time.Time) string {
	if clientMessageID != "" {
		return "client_" + hash32(clientMessageID)
	}
	bucket := at.UnixMilli() / 1000
	return "idem_" + hash32(fmt.Sprintf("%s:%s:%s:%d", conversationID, senderID, content, bucket))
}

func hash32(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:32]
}
