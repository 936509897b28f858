package handlers

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/meridian-chat/meridian/internal/adapters/metrics"
	"github.com/meridian-chat/meridian/internal/domain/models"
	"github.com/meridian-chat/meridian/internal/ports"
)

// outboundCap bounds each session's send queue; a slow reader loses events
// and recovers them through resume.
const outboundCap = 64

// dedupeWindow is how many recently delivered message IDs each session
// remembers. Redeliveries inside the window are suppressed.
const dedupeWindow = 200

// recentIDs is a fixed-size insertion-ordered set.
type recentIDs struct {
	order []string
	set   map[string]struct{}
	cap   int
}

func newRecentIDs(cap int) *recentIDs {
	return &recentIDs{set: make(map[string]struct{}, cap), cap: cap}
}

// remember adds id and reports whether it was already present.
func (r *recentIDs) remember(id string) bool {
	if _, ok := r.set[id]; ok {
		return true
	}
	r.set[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.cap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.set, oldest)
	}
	return false
}

// session is one live websocket. Writes go through the send channel so only
// the write pump touches the connection.
type session struct {
	socketID string
	userID   string
	send     chan []byte

	// resumeCursor is the last message ID the client claimed at handshake;
	// set before the pumps start, read only by the read pump.
	resumeCursor string

	mu     sync.Mutex
	seen   *recentIDs
	joined map[string]struct{}
}

func newSession(socketID, userID string) *session {
	return &session{
		socketID: socketID,
		userID:   userID,
		send:     make(chan []byte, outboundCap),
		seen:     newRecentIDs(dedupeWindow),
		joined:   make(map[string]struct{}),
	}
}

func (s *session) join(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined[conversationID] = struct{}{}
}

func (s *session) leave(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joined, conversationID)
}

func (s *session) isJoined(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[conversationID]
	return ok
}

// alreadyDelivered records the message ID and reports a duplicate.
func (s *session) alreadyDelivered(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen.remember(messageID)
}

// enqueue offers a frame without blocking; a full queue drops it.
func (s *session) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Hub tracks the live sessions per user and routes fanout events to them.
// A user may hold several concurrent sockets; every one gets the event.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*session

	// receipts records delivered state once a recipient's socket accepted a
	// new message frame. May be nil in tests.
	receipts ports.ReceiptRepository
}

func NewHub(receipts ports.ReceiptRepository) *Hub {
	return &Hub{
		sessions: make(map[string]map[string]*session),
		receipts: receipts,
	}
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.userID] == nil {
		h.sessions[s.userID] = make(map[string]*session)
	}
	h.sessions[s.userID][s.socketID] = s
	metrics.SessionsActive.Set(float64(h.countLocked()))
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if socks := h.sessions[s.userID]; socks != nil {
		delete(socks, s.socketID)
		if len(socks) == 0 {
			delete(h.sessions, s.userID)
		}
	}
	metrics.SessionsActive.Set(float64(h.countLocked()))
}

func (h *Hub) countLocked() int {
	n := 0
	for _, socks := range h.sessions {
		n += len(socks)
	}
	return n
}

func (h *Hub) sessionsFor(userID string) []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	socks := h.sessions[userID]
	out := make([]*session, 0, len(socks))
	for _, s := range socks {
		out = append(out, s)
	}
	return out
}

// Run drains the fanout queue until the context is canceled or the queue is
// closed, routing each event to the live sessions of its recipients.
func (h *Hub) Run(ctx context.Context, queue ports.FanoutQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-queue.Events():
			if !ok {
				return
			}
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev *ports.FanoutEvent) {
	frame, err := json.Marshal(outboundEvent{
		Type:           ev.Type,
		ConversationID: ev.ConversationID,
		UserID:         ev.UserID,
		Message:        ev.Message,
		MessageIDs:     ev.MessageIDs,
		Receipts:       ev.Receipts,
	})
	if err != nil {
		log.Printf("fanout encode failed for %s: %v", ev.Type, err)
		return
	}

	var delivered []string
	for _, userID := range ev.RecipientIDs {
		accepted := false
		for _, sess := range h.sessionsFor(userID) {
			if ev.Message != nil && sess.alreadyDelivered(ev.Message.ID) {
				metrics.OutboundDedupeHits.Inc()
				continue
			}
			if sess.enqueue(frame) {
				metrics.OutboundEvents.WithLabelValues(ev.Type).Inc()
				accepted = true
			} else {
				log.Printf("session %s queue full, dropping %s", sess.socketID, ev.Type)
			}
		}
		if accepted {
			delivered = append(delivered, userID)
		}
	}

	if ev.Type == "new_message" && ev.Message != nil {
		h.recordDelivered(ev, delivered)
	}
}

// recordDelivered persists delivered receipts for recipients whose socket
// accepted the frame. Offline recipients get theirs materialized when they
// mark the conversation read. Failures are logged only; the unique receipt
// index means a later retry or read will converge.
func (h *Hub) recordDelivered(ev *ports.FanoutEvent, userIDs []string) {
	if h.receipts == nil || len(userIDs) == 0 {
		return
	}

	now := time.Now().UTC()
	receipts := make([]*models.Receipt, 0, len(userIDs))
	for _, userID := range userIDs {
		receipts = append(receipts, &models.Receipt{
			MessageID:       ev.Message.ID,
			ConversationID:  ev.ConversationID,
			RecipientUserID: userID,
			State:           models.ReceiptDelivered,
			RecordedAt:      now,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.receipts.Record(ctx, receipts); err != nil {
		log.Printf("delivered receipts for %s failed: %v", ev.Message.ID, err)
	}
}

// broadcast sends a frame to every session of the given users except the
// one identified by excludeSocketID. Used for typing indicators.
func (h *Hub) broadcast(userIDs []string, frame []byte, eventType, excludeSocketID string) {
	for _, userID := range userIDs {
		for _, sess := range h.sessionsFor(userID) {
			if sess.socketID == excludeSocketID {
				continue
			}
			if sess.enqueue(frame) {
				metrics.OutboundEvents.WithLabelValues(eventType).Inc()
			}
		}
	}
}
