package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meridian-chat/meridian/internal/adapters/metrics"
	"github.com/meridian-chat/meridian/internal/domain"
	"github.com/meridian-chat/meridian/internal/domain/models"
)

// PresenceStore keeps one hash per user, socket ID to binding, with a TTL
// refreshed on every bind and heartbeat. When every socket of a user goes
// silent the hash expires and the user reads as offline. A registry set of
// online users lets the sweep observe those silent expiries and fire the
// offline transition.
type PresenceStore struct {
	client       *redis.Client
	keyPrefix    string
	onTransition func(userID string, online bool)
}

func NewPresenceStore(client *redis.Client, keyPrefix string) *PresenceStore {
	return &PresenceStore{client: client, keyPrefix: keyPrefix}
}

// OnTransition registers the hook fired when a user comes online or goes
// offline. Set it before any Bind call.
func (p *PresenceStore) OnTransition(fn func(userID string, online bool)) {
	p.onTransition = fn
}

func (p *PresenceStore) fire(userID string, online bool) {
	if p.onTransition != nil {
		p.onTransition(userID, online)
	}
}

func (p *PresenceStore) key(userID string) string {
	return fmt.Sprintf("%s:presence:%s", p.keyPrefix, userID)
}

func (p *PresenceStore) registryKey() string {
	return p.keyPrefix + ":presence:online"
}

func (p *PresenceStore) Bind(ctx context.Context, userID string, binding *models.SessionBinding, ttl time.Duration) error {
	data, err := msgpack.Marshal(binding)
	if err != nil {
		return err
	}

	existed, err := p.client.Exists(ctx, p.key(userID)).Result()
	if err != nil {
		metrics.PresenceWrites.WithLabelValues("bind", "error").Inc()
		return fmt.Errorf("%w: %v", domain.ErrPresenceStoreUnavailable, err)
	}

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, p.key(userID), binding.SocketID, data)
	pipe.PExpire(ctx, p.key(userID), ttl)
	pipe.SAdd(ctx, p.registryKey(), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.PresenceWrites.WithLabelValues("bind", "error").Inc()
		return fmt.Errorf("%w: %v", domain.ErrPresenceStoreUnavailable, err)
	}
	metrics.PresenceWrites.WithLabelValues("bind", "ok").Inc()

	if existed == 0 {
		p.fire(userID, true)
	}
	return nil
}

func (p *PresenceStore) Extend(ctx context.Context, userID, socketID string, ttl time.Duration) error {
	raw, err := p.client.HGet(ctx, p.key(userID), socketID).Bytes()
	if err != nil {
		if err == redis.Nil {
			// The binding expired; the caller re-binds on the next heartbeat.
			return nil
		}
		metrics.PresenceWrites.WithLabelValues("extend", "error").Inc()
		return fmt.Errorf("%w: %v", domain.ErrPresenceStoreUnavailable, err)
	}

	var binding models.SessionBinding
	if err := msgpack.Unmarshal(raw, &binding); err != nil {
		return err
	}
	binding.LastHeartbeatAt = time.Now().UTC()

	data, err := msgpack.Marshal(&binding)
	if err != nil {
		return err
	}

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, p.key(userID), socketID, data)
	pipe.PExpire(ctx, p.key(userID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.PresenceWrites.WithLabelValues("extend", "error").Inc()
		return fmt.Errorf("%w: %v", domain.ErrPresenceStoreUnavailable, err)
	}
	metrics.HeartbeatExtends.Inc()
	return nil
}

func (p *PresenceStore) Unbind(ctx context.Context, userID, socketID string) error {
	if err := p.client.HDel(ctx, p.key(userID), socketID).Err(); err != nil {
		metrics.PresenceWrites.WithLabelValues("unbind", "error").Inc()
		return fmt.Errorf("%w: %v", domain.ErrPresenceStoreUnavailable, err)
	}
	metrics.PresenceWrites.WithLabelValues("unbind", "ok").Inc()

	remaining, err := p.client.HLen(ctx, p.key(userID)).Result()
	if err != nil {
		return nil
	}
	if remaining == 0 {
		p.client.SRem(ctx, p.registryKey(), userID)
		p.fire(userID, false)
	}
	return nil
}

// Run sweeps the online registry on the given interval until the context is
// canceled, so TTL expiries still produce offline transitions.
func (p *PresenceStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.sweep(ctx); err != nil {
				log.Printf("presence sweep failed: %v", err)
			}
		}
	}
}

func (p *PresenceStore) sweep(ctx context.Context) error {
	userIDs, err := p.client.SMembers(ctx, p.registryKey()).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPresenceStoreUnavailable, err)
	}
	for _, userID := range userIDs {
		exists, err := p.client.Exists(ctx, p.key(userID)).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPresenceStoreUnavailable, err)
		}
		if exists == 0 {
			p.client.SRem(ctx, p.registryKey(), userID)
			p.fire(userID, false)
		}
	}
	return nil
}

func (p *PresenceStore) Get(ctx context.Context, userID string) (*models.PresenceStatus, error) {
	raw, err := p.client.HGetAll(ctx, p.key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPresenceStoreUnavailable, err)
	}
	return decodeStatus(userID, raw), nil
}

func (p *PresenceStore) GetMany(ctx context.Context, userIDs []string) (map[string]*models.PresenceStatus, error) {
	result := make(map[string]*models.PresenceStatus, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	pipe := p.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(userIDs))
	for _, id := range userIDs {
		cmds[id] = pipe.HGetAll(ctx, p.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPresenceStoreUnavailable, err)
	}

	for id, cmd := range cmds {
		result[id] = decodeStatus(id, cmd.Val())
	}
	return result, nil
}

func decodeStatus(userID string, raw map[string]string) *models.PresenceStatus {
	status := &models.PresenceStatus{UserID: userID}
	for _, encoded := range raw {
		var binding models.SessionBinding
		if err := msgpack.Unmarshal([]byte(encoded), &binding); err != nil {
			continue
		}
		status.Sockets = append(status.Sockets, binding)
	}
	status.IsOnline = len(status.Sockets) > 0
	return status
}
