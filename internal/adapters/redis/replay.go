package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meridian-chat/meridian/internal/domain/models"
)

// ReplayCache keeps the recent tail of each conversation in a capped list so
// a resuming session can catch up without touching the database. Newest
// entries sit at the head; the list is trimmed to maxMessages and expires
// after ttl of inactivity.
type ReplayCache struct {
	client      *redis.Client
	keyPrefix   string
	ttl         time.Duration
	maxMessages int
}

func NewReplayCache(client *redis.Client, keyPrefix string, ttl time.Duration, maxMessages int) *ReplayCache {
	return &ReplayCache{
		client:      client,
		keyPrefix:   keyPrefix,
		ttl:         ttl,
		maxMessages: maxMessages,
	}
}

func (c *ReplayCache) key(conversationID string) string {
	return fmt.Sprintf("%s:replay:%s", c.keyPrefix, conversationID)
}

func (c *ReplayCache) Push(ctx context.Context, conversationID string, msg *models.Message) error {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return err
	}

	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, c.key(conversationID), data)
	pipe.LTrim(ctx, c.key(conversationID), 0, int64(c.maxMessages-1))
	pipe.PExpire(ctx, c.key(conversationID), c.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Since returns cached messages newer than sinceID, oldest first. The cache
// declines to answer when it cannot prove coverage: an empty list, or a full
// list whose oldest entry is still newer than sinceID.
func (c *ReplayCache) Since(ctx context.Context, conversationID, sinceID string) ([]*models.Message, bool, error) {
	raw, err := c.client.LRange(ctx, c.key(conversationID), 0, int64(c.maxMessages-1)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(raw) == 0 {
		return nil, false, nil
	}

	// Head is newest; decode into oldest-first order.
	messages := make([]*models.Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var m models.Message
		if err := msgpack.Unmarshal([]byte(raw[i]), &m); err != nil {
			return nil, false, err
		}
		messages = append(messages, &m)
	}

	// Message IDs are time-ordered, so string comparison is enough.
	oldest := messages[0].ID
	if oldest > sinceID && len(raw) >= c.maxMessages {
		// The gap may extend past the cache window.
		return nil, false, nil
	}

	newer := make([]*models.Message, 0, len(messages))
	for _, m := range messages {
		if m.ID > sinceID {
			newer = append(newer, m)
		}
	}
	return newer, true, nil
}
