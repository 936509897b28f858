package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meridian-chat/meridian/internal/domain/models"
	"github.com/meridian-chat/meridian/internal/ports"
)

// In-memory stand-ins for the Redis-backed adapters, used when the socket
// adapter runs in mock mode and in tests. They keep the same observable
// semantics minus durability.

type memoryEntry struct {
	id         string
	env        *models.Envelope
	deliveries int64
}

type memoryPartition struct {
	entries []memoryEntry
	pending []memoryEntry
	nextSeq int
}

func (part *memoryPartition) removePending(entryID string) {
	for i, e := range part.pending {
		if e.id == entryID {
			part.pending = append(part.pending[:i], part.pending[i+1:]...)
			return
		}
	}
}

// MemoryLog implements ports.MessageLog on process memory.
type MemoryLog struct {
	mu         sync.Mutex
	partitions map[int]*memoryPartition
	dead       map[int][]memoryEntry
	notify     chan struct{}
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		partitions: make(map[int]*memoryPartition),
		dead:       make(map[int][]memoryEntry),
		notify:     make(chan struct{}, 1),
	}
}

func (l *MemoryLog) partition(p int) *memoryPartition {
	if l.partitions[p] == nil {
		l.partitions[p] = &memoryPartition{}
	}
	return l.partitions[p]
}

func (l *MemoryLog) Append(ctx context.Context, partition int, env *models.Envelope) (string, error) {
	l.mu.Lock()
	part := l.partition(partition)
	part.nextSeq++
	id := fmt.Sprintf("%d-%d", partition, part.nextSeq)
	part.entries = append(part.entries, memoryEntry{id: id, env: env})
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return id, nil
}

func (l *MemoryLog) Read(ctx context.Context, partition int, consumer string, count int, block time.Duration) ([]*ports.StreamRecord, error) {
	deadline := time.Now().Add(block)
	for {
		l.mu.Lock()
		part := l.partition(partition)
		if len(part.entries) > 0 {
			n := count
			if n > len(part.entries) {
				n = len(part.entries)
			}
			batch := part.entries[:n]
			part.entries = part.entries[n:]
			records := make([]*ports.StreamRecord, 0, n)
			for _, e := range batch {
				e.deliveries = 1
				part.pending = append(part.pending, e)
				records = append(records, &ports.StreamRecord{EntryID: e.id, Envelope: e.env, Deliveries: 1})
			}
			l.mu.Unlock()
			return records, nil
		}
		l.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.notify:
		case <-time.After(remaining):
		}
	}
}

func (l *MemoryLog) Pending(ctx context.Context, partition int, consumer string, count int) ([]*ports.StreamRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	part := l.partition(partition)
	records := make([]*ports.StreamRecord, 0, len(part.pending))
	for i := range part.pending {
		if len(records) >= count {
			break
		}
		part.pending[i].deliveries++
		e := part.pending[i]
		records = append(records, &ports.StreamRecord{EntryID: e.id, Envelope: e.env, Deliveries: e.deliveries})
	}
	return records, nil
}

func (l *MemoryLog) Ack(ctx context.Context, partition int, entryID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.partition(partition).removePending(entryID)
	return nil
}

func (l *MemoryLog) Dead(ctx context.Context, partition int, entryID string, env *models.Envelope, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dead[partition] = append(l.dead[partition], memoryEntry{id: entryID, env: env})
	l.partition(partition).removePending(entryID)
	return nil
}

func (l *MemoryLog) PendingCount(ctx context.Context, partition int) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	part := l.partition(partition)
	return int64(len(part.entries) + len(part.pending)), nil
}

// DeadLetters returns the dead letter entries of a partition.
func (l *MemoryLog) DeadLetters(partition int) []*models.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*models.Envelope, 0, len(l.dead[partition]))
	for _, e := range l.dead[partition] {
		out = append(out, e.env)
	}
	return out
}

type presenceRecord struct {
	binding models.SessionBinding
	expires time.Time
}

// MemoryPresence implements ports.PresenceStore on process memory.
type MemoryPresence struct {
	mu           sync.Mutex
	users        map[string]map[string]presenceRecord
	onTransition func(userID string, online bool)
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{users: make(map[string]map[string]presenceRecord)}
}

// OnTransition registers the hook fired when a user's first socket binds or
// last socket goes away. Set it before any Bind call.
func (p *MemoryPresence) OnTransition(fn func(userID string, online bool)) {
	p.onTransition = fn
}

func (p *MemoryPresence) fire(userID string, online bool) {
	if p.onTransition != nil {
		p.onTransition(userID, online)
	}
}

func (p *MemoryPresence) Bind(ctx context.Context, userID string, binding *models.SessionBinding, ttl time.Duration) error {
	p.mu.Lock()
	wasOnline := p.liveCountLocked(userID) > 0
	if p.users[userID] == nil {
		p.users[userID] = make(map[string]presenceRecord)
	}
	p.users[userID][binding.SocketID] = presenceRecord{binding: *binding, expires: time.Now().Add(ttl)}
	p.mu.Unlock()

	if !wasOnline {
		p.fire(userID, true)
	}
	return nil
}

func (p *MemoryPresence) Extend(ctx context.Context, userID, socketID string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.users[userID][socketID]
	if !ok {
		return nil
	}
	rec.binding.LastHeartbeatAt = time.Now().UTC()
	rec.expires = time.Now().Add(ttl)
	p.users[userID][socketID] = rec
	return nil
}

func (p *MemoryPresence) Unbind(ctx context.Context, userID, socketID string) error {
	p.mu.Lock()
	wasOnline := p.liveCountLocked(userID) > 0
	delete(p.users[userID], socketID)
	stillOnline := p.liveCountLocked(userID) > 0
	if !stillOnline {
		delete(p.users, userID)
	}
	p.mu.Unlock()

	if wasOnline && !stillOnline {
		p.fire(userID, false)
	}
	return nil
}

// Sweep expires lapsed bindings and fires offline transitions for users
// whose last binding timed out without an explicit Unbind.
func (p *MemoryPresence) Sweep() {
	p.mu.Lock()
	var gone []string
	for userID := range p.users {
		if p.liveCountLocked(userID) == 0 {
			delete(p.users, userID)
			gone = append(gone, userID)
		}
	}
	p.mu.Unlock()

	for _, userID := range gone {
		p.fire(userID, false)
	}
}

// Run sweeps on the given interval until the context is canceled.
func (p *MemoryPresence) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

func (p *MemoryPresence) liveCountLocked(userID string) int {
	now := time.Now()
	live := 0
	for socketID, rec := range p.users[userID] {
		if now.After(rec.expires) {
			delete(p.users[userID], socketID)
			continue
		}
		live++
	}
	return live
}

func (p *MemoryPresence) Get(ctx context.Context, userID string) (*models.PresenceStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked(userID), nil
}

func (p *MemoryPresence) GetMany(ctx context.Context, userIDs []string) (map[string]*models.PresenceStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*models.PresenceStatus, len(userIDs))
	for _, id := range userIDs {
		out[id] = p.statusLocked(id)
	}
	return out, nil
}

func (p *MemoryPresence) statusLocked(userID string) *models.PresenceStatus {
	status := &models.PresenceStatus{UserID: userID}
	now := time.Now()
	for socketID, rec := range p.users[userID] {
		if now.After(rec.expires) {
			delete(p.users[userID], socketID)
			continue
		}
		status.Sockets = append(status.Sockets, rec.binding)
	}
	status.IsOnline = len(status.Sockets) > 0
	return status
}

// MemoryReplay implements ports.ReplayCache on process memory.
type MemoryReplay struct {
	mu          sync.Mutex
	maxMessages int
	tails       map[string][]*models.Message
}

func NewMemoryReplay(maxMessages int) *MemoryReplay {
	return &MemoryReplay{
		maxMessages: maxMessages,
		tails:       make(map[string][]*models.Message),
	}
}

func (r *MemoryReplay) Push(ctx context.Context, conversationID string, msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tail := append(r.tails[conversationID], msg)
	if len(tail) > r.maxMessages {
		tail = tail[len(tail)-r.maxMessages:]
	}
	r.tails[conversationID] = tail
	return nil
}

func (r *MemoryReplay) Since(ctx context.Context, conversationID, sinceID string) ([]*models.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := r.tails[conversationID]
	if len(tail) == 0 {
		return nil, false, nil
	}
	if tail[0].ID > sinceID && len(tail) >= r.maxMessages {
		return nil, false, nil
	}

	newer := make([]*models.Message, 0, len(tail))
	for _, m := range tail {
		if m.ID > sinceID {
			newer = append(newer, m)
		}
	}
	return newer, true, nil
}
