package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meridian-chat/meridian/internal/adapters/auth"
	"github.com/meridian-chat/meridian/internal/adapters/metrics"
	"github.com/meridian-chat/meridian/internal/application/services"
	"github.com/meridian-chat/meridian/internal/config"
	"github.com/meridian-chat/meridian/internal/domain"
	"github.com/meridian-chat/meridian/internal/domain/models"
	"github.com/meridian-chat/meridian/internal/ports"
)

const writeWait = 10 * time.Second

// Close codes carried on authentication failure, in the application range.
const (
	closeAuthFailed = 4401
)

// inboundEvent is a client frame. The type selects which fields matter.
type inboundEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Token          string `json:"token,omitempty"`
	UserID         string `json:"user_id,omitempty"`

	// send_message fields
	Content         string              `json:"content,omitempty"`
	ContentType     string              `json:"content_type,omitempty"`
	MediaURL        string              `json:"media_url,omitempty"`
	ClientMessageID string              `json:"client_message_id,omitempty"`
	CorrelationID   string              `json:"correlation_id,omitempty"`
	Priority        string              `json:"priority,omitempty"`
	ReplyToID       string              `json:"reply_to_id,omitempty"`
	ThreadID        string              `json:"thread_id,omitempty"`
	Attachments     []models.Attachment `json:"attachments,omitempty"`

	// mark_as_read / resume fields
	MessageID             string   `json:"message_id,omitempty"`
	MessageIDs            []string `json:"message_ids,omitempty"`
	LastMessageID         string   `json:"last_message_id,omitempty"`
	LastReceivedMessageID string   `json:"last_received_message_id,omitempty"`

	// typing fields
	IsTyping *bool `json:"is_typing,omitempty"`
}

// outboundEvent is a server frame.
type outboundEvent struct {
	Type           string            `json:"type"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Message        *models.Message   `json:"message,omitempty"`
	Messages       []*models.Message `json:"messages,omitempty"`
	Receipts       []*models.Receipt `json:"receipts,omitempty"`
	MessageID      string            `json:"message_id,omitempty"`
	MessageIDs     []string          `json:"message_ids,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	State          string            `json:"state,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	IsTyping       *bool             `json:"is_typing,omitempty"`
	IdempotentHit  bool              `json:"idempotent_hit,omitempty"`
	Timestamp      *time.Time        `json:"timestamp,omitempty"`
}

// errorEvent is the error frame: a human-readable message plus a stable code.
type errorEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message"`
}

// GatewayHandler owns the websocket session lifecycle: handshake
// authentication, the read and write pumps, presence bookkeeping, and
// translating client events into producer and service calls.
type GatewayHandler struct {
	upgrader websocket.Upgrader
	cfg      config.SocketConfig

	hub      *Hub
	verifier ports.TokenVerifier
	producer ports.MessageProducer
	chat     *services.ChatService
	presence ports.PresenceStore
	replay   ports.ReplayCache
	messages ports.MessageRepository
	members  ports.MemberRepository
	ids      ports.IDGenerator
}

func NewGatewayHandler(
	cfg config.SocketConfig,
	allowedOrigins []string,
	hub *Hub,
	verifier ports.TokenVerifier,
	producer ports.MessageProducer,
	chat *services.ChatService,
	presence ports.PresenceStore,
	replay ports.ReplayCache,
	messages ports.MessageRepository,
	members ports.MemberRepository,
	ids ports.IDGenerator,
) *GatewayHandler {
	allowedOriginsMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedOriginsMap[origin] = true
	}

	return &GatewayHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return allowedOriginsMap[origin]
			},
		},
		cfg:      cfg,
		hub:      hub,
		verifier: verifier,
		producer: producer,
		chat:     chat,
		presence: presence,
		replay:   replay,
		messages: messages,
		members:  members,
		ids:      ids,
	}
}

// Handle upgrades the connection, authenticates it and runs the pumps until
// the session ends.
func (h *GatewayHandler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	claims, resumeCursor, err := h.authenticate(r, conn)
	if err != nil {
		code := auth.CodeOf(err)
		metrics.HandshakeRejections.WithLabelValues(code).Inc()
		deadline := time.Now().Add(writeWait)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeAuthFailed, code), deadline)
		return
	}

	sess := newSession(h.ids.SocketID(), claims.UserID)
	sess.resumeCursor = resumeCursor
	binding := &models.SessionBinding{
		SocketID:        sess.socketID,
		InstanceID:      h.cfg.InstanceID,
		Agent:           r.UserAgent(),
		ConnectedAt:     time.Now().UTC(),
		LastHeartbeatAt: time.Now().UTC(),
	}
	if err := h.presence.Bind(r.Context(), claims.UserID, binding, h.cfg.PresenceTTL()); err != nil {
		log.Printf("presence bind failed for %s: %v", claims.UserID, err)
	}

	h.hub.register(sess)
	log.Printf("session %s connected for user %s", sess.socketID, claims.UserID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cause := "client_close"
	defer func() {
		h.hub.unregister(sess)
		if err := h.presence.Unbind(context.Background(), claims.UserID, sess.socketID); err != nil {
			log.Printf("presence unbind failed for %s: %v", claims.UserID, err)
		}
		metrics.SessionDisconnects.WithLabelValues(cause).Inc()
		log.Printf("session %s closed (%s)", sess.socketID, cause)
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		cause = h.readPump(ctx, conn, sess)
		cancel()
	}()
	go func() {
		defer wg.Done()
		h.writePump(ctx, conn, sess)
	}()
	wg.Wait()
}

// authenticate takes the token from the query string or Authorization
// header, or waits briefly for a first auth frame when neither is present.
// The handshake may also carry a resume cursor, which seeds later bare
// resume events.
func (h *GatewayHandler) authenticate(r *http.Request, conn *websocket.Conn) (*ports.TokenClaims, string, error) {
	query := r.URL.Query()
	cursor := query.Get("last_received_message_id")
	if cursor == "" {
		cursor = query.Get("lastReceivedMessageId")
	}

	token := query.Get("token")
	if token == "" {
		if header := r.Header.Get("Authorization"); len(header) > 7 && header[:7] == "Bearer " {
			token = header[7:]
		}
	}

	if token == "" {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var ev inboundEvent
		if err := conn.ReadJSON(&ev); err != nil || ev.Type != "auth" || ev.Token == "" {
			return nil, "", &auth.VerifyError{Code: auth.CodeMissingToken}
		}
		token = ev.Token
		if cursor == "" {
			cursor = ev.LastReceivedMessageID
		}
	}

	claims, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		return nil, "", err
	}
	return claims, cursor, nil
}

// readPump consumes client frames until the connection dies and returns the
// disconnect cause.
func (h *GatewayHandler) readPump(ctx context.Context, conn *websocket.Conn, sess *session) string {
	timeout := h.cfg.HeartbeatTimeout()
	conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(timeout))
		// Each pong extends the presence TTL, so liveness in the registry
		// tracks liveness on the wire.
		if err := h.presence.Extend(ctx, sess.userID, sess.socketID, h.cfg.PresenceTTL()); err != nil {
			log.Printf("presence extend failed for %s: %v", sess.socketID, err)
		}
		return nil
	})

	for {
		var ev inboundEvent
		if err := conn.ReadJSON(&ev); err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				return "server_shutdown"
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				return "client_close"
			case isTimeout(err):
				return "heartbeat_timeout"
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure) {
					log.Printf("session %s read error: %v", sess.socketID, err)
				}
				return "transport_error"
			}
		}

		h.handleEvent(ctx, sess, &ev)
	}
}

func (h *GatewayHandler) writePump(ctx context.Context, conn *websocket.Conn, sess *session) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(writeWait)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), deadline)
			return
		case frame := <-sess.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("session %s write failed: %v", sess.socketID, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *GatewayHandler) handleEvent(ctx context.Context, sess *session, ev *inboundEvent) {
	// Identity comes from the handshake; a frame naming someone else is
	// dropped.
	if ev.UserID != "" && ev.UserID != sess.userID {
		h.replyError(sess, ev.ConversationID, "identity_mismatch",
			"user_id mismatch: frame does not match the authenticated session")
		return
	}

	// Several event types keep a long-form alias for older clients.
	switch ev.Type {
	case "join", "join_conversation":
		h.handleJoin(ctx, sess, ev)
	case "leave", "leave_conversation":
		h.handleLeave(ctx, sess, ev)
	case "send_message":
		h.handleSend(ctx, sess, ev)
	case "mark_as_read", "mark_message_read":
		h.handleMarkRead(ctx, sess, ev)
	case "resume", "resume_messages":
		h.handleResume(ctx, sess, ev)
	case "typing", "typing_indicator":
		h.handleTyping(ctx, sess, ev, ev.IsTyping == nil || *ev.IsTyping)
	case "typing_start":
		h.handleTyping(ctx, sess, ev, true)
	case "typing_stop":
		h.handleTyping(ctx, sess, ev, false)
	case "heartbeat":
		// Application-level heartbeat for clients whose intermediaries eat
		// protocol pings.
		if err := h.presence.Extend(ctx, sess.userID, sess.socketID, h.cfg.PresenceTTL()); err == nil {
			h.reply(sess, &outboundEvent{Type: "heartbeat_ack"})
		}
	default:
		h.replyError(sess, ev.ConversationID, "unknown_event", "unsupported event type "+ev.Type)
	}
}

func (h *GatewayHandler) handleJoin(ctx context.Context, sess *session, ev *inboundEvent) {
	if ev.ConversationID == "" {
		h.replyError(sess, "", "invalid_request", "conversation_id is required")
		return
	}
	if _, err := h.chat.GetConversation(ctx, sess.userID, ev.ConversationID); err != nil {
		h.replyError(sess, ev.ConversationID, "not_member", "cannot join conversation")
		return
	}
	sess.join(ev.ConversationID)

	now := time.Now().UTC()
	h.reply(sess, &outboundEvent{
		Type:           "conversation_joined",
		ConversationID: ev.ConversationID,
		UserID:         sess.userID,
		Timestamp:      &now,
	})
	h.broadcastMembership(ctx, sess, ev.ConversationID, "user_joined")
}

func (h *GatewayHandler) handleLeave(ctx context.Context, sess *session, ev *inboundEvent) {
	sess.leave(ev.ConversationID)

	now := time.Now().UTC()
	h.reply(sess, &outboundEvent{
		Type:           "conversation_left",
		ConversationID: ev.ConversationID,
		UserID:         sess.userID,
		Timestamp:      &now,
	})
	h.broadcastMembership(ctx, sess, ev.ConversationID, "user_left")
}

// broadcastMembership tells the other members that sess's user entered or
// left the room.
func (h *GatewayHandler) broadcastMembership(ctx context.Context, sess *session, conversationID, eventType string) {
	recipients, err := h.members.ActiveUserIDs(ctx, conversationID)
	if err != nil {
		return
	}
	others := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r != sess.userID {
			others = append(others, r)
		}
	}

	now := time.Now().UTC()
	frame, err := json.Marshal(&outboundEvent{
		Type:           eventType,
		ConversationID: conversationID,
		UserID:         sess.userID,
		Timestamp:      &now,
	})
	if err != nil {
		return
	}
	h.hub.broadcast(others, frame, eventType, sess.socketID)
}

func (h *GatewayHandler) handleSend(ctx context.Context, sess *session, ev *inboundEvent) {
	contentType := models.MessageType(ev.ContentType)
	if ev.ContentType == "" {
		contentType = models.MessageTypeText
	}

	env, err := h.producer.Produce(ctx, &ports.SendInput{
		ConversationID:  ev.ConversationID,
		SenderID:        sess.userID,
		Content:         ev.Content,
		ContentType:     contentType,
		MediaURL:        ev.MediaURL,
		ClientMessageID: ev.ClientMessageID,
		CorrelationID:   ev.CorrelationID,
		Priority:        models.Priority(ev.Priority),
		ReplyToID:       ev.ReplyToID,
		ThreadID:        ev.ThreadID,
		Client:          "socket",
		Attachments:     ev.Attachments,
	})
	if err != nil {
		kind, _ := classify(err)
		h.replyError(sess, ev.ConversationID, kind, err.Error())
		return
	}

	// The enqueue ack goes back immediately; the persisted message_sent
	// event follows once the consumer commits it.
	h.reply(sess, &outboundEvent{
		Type:           "enqueued",
		ConversationID: ev.ConversationID,
		MessageID:      env.MessageID,
		CorrelationID:  env.CorrelationID,
		State:          "pending",
		IdempotentHit:  env.IdempotentHit,
	})
}

func (h *GatewayHandler) handleMarkRead(ctx context.Context, sess *session, ev *inboundEvent) {
	var err error
	if len(ev.MessageIDs) > 0 {
		_, err = h.chat.MarkReadMessages(ctx, sess.userID, ev.ConversationID, ev.MessageIDs)
	} else {
		_, err = h.chat.MarkRead(ctx, sess.userID, ev.ConversationID, ev.MessageID)
	}
	if err != nil {
		kind, _ := classify(err)
		h.replyError(sess, ev.ConversationID, kind, err.Error())
		return
	}
	h.reply(sess, &outboundEvent{
		Type:           "marked_read",
		ConversationID: ev.ConversationID,
		MessageID:      ev.MessageID,
		MessageIDs:     ev.MessageIDs,
	})
}

// handleResume replays messages the client missed while disconnected. The
// replay cache answers when it provably covers the gap; otherwise the
// database does. Without any known cursor the replay is empty and the
// client pages history over REST instead.
func (h *GatewayHandler) handleResume(ctx context.Context, sess *session, ev *inboundEvent) {
	if ev.ConversationID == "" {
		h.replyError(sess, ev.ConversationID, "invalid_request", "conversation_id is required")
		return
	}
	if err := h.authorizeMember(ctx, sess.userID, ev.ConversationID); err != nil {
		h.replyError(sess, ev.ConversationID, "not_member", "cannot resume conversation")
		return
	}
	sess.join(ev.ConversationID)

	cursor := ev.LastMessageID
	if cursor == "" {
		cursor = ev.LastReceivedMessageID
	}
	if cursor == "" {
		cursor = sess.resumeCursor
	}
	if cursor == "" {
		h.reply(sess, &outboundEvent{
			Type:           "replayed_messages",
			ConversationID: ev.ConversationID,
		})
		return
	}

	missed, ok, err := h.replay.Since(ctx, ev.ConversationID, cursor)
	source := "cache"
	if err != nil || !ok {
		missed, err = h.missedFromDatabase(ctx, sess.userID, ev.ConversationID, cursor)
		if err != nil {
			h.replyError(sess, ev.ConversationID, "internal_error", "replay failed")
			return
		}
		source = "database"
	}
	metrics.ReplayServed.WithLabelValues(source).Inc()

	// Messages this session already saw are dropped from the batch; the rest
	// are remembered so a racing live fanout does not deliver them twice.
	fresh := make([]*models.Message, 0, len(missed))
	for _, m := range missed {
		if sess.alreadyDelivered(m.ID) {
			metrics.OutboundDedupeHits.Inc()
			continue
		}
		fresh = append(fresh, m)
	}
	h.reply(sess, &outboundEvent{
		Type:           "replayed_messages",
		ConversationID: ev.ConversationID,
		Messages:       fresh,
	})
}

// missedFromDatabase pages newest-first until it walks past lastMessageID,
// then returns the strictly newer messages oldest-first.
func (h *GatewayHandler) missedFromDatabase(ctx context.Context, userID, conversationID, lastMessageID string) ([]*models.Message, error) {
	var missed []*models.Message
	cursor := ""
	for {
		page, err := h.messages.ListByConversation(ctx, conversationID, ports.HistoryQuery{
			Cursor:   cursor,
			Limit:    100,
			ViewerID: userID,
		})
		if err != nil {
			return nil, err
		}
		for _, m := range page.Messages {
			if m.ID > lastMessageID {
				missed = append(missed, m)
			}
		}
		if page.NextCursor == "" || len(page.Messages) == 0 {
			break
		}
		oldest := page.Messages[len(page.Messages)-1]
		if oldest.ID <= lastMessageID {
			break
		}
		cursor = page.NextCursor
	}
	sort.Slice(missed, func(i, j int) bool { return missed[i].ID < missed[j].ID })
	return missed, nil
}

func (h *GatewayHandler) handleTyping(ctx context.Context, sess *session, ev *inboundEvent, isTyping bool) {
	if ev.ConversationID == "" || !sess.isJoined(ev.ConversationID) {
		return
	}
	recipients, err := h.members.ActiveUserIDs(ctx, ev.ConversationID)
	if err != nil {
		return
	}
	others := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r != sess.userID {
			others = append(others, r)
		}
	}

	frame, err := json.Marshal(&outboundEvent{
		Type:           "user_typing",
		ConversationID: ev.ConversationID,
		UserID:         sess.userID,
		IsTyping:       &isTyping,
	})
	if err != nil {
		return
	}
	h.hub.broadcast(others, frame, "user_typing", sess.socketID)
}

func (h *GatewayHandler) authorizeMember(ctx context.Context, userID, conversationID string) error {
	member, err := h.members.Get(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !member.IsActive {
		return domain.ErrNotMember
	}
	return nil
}

func (h *GatewayHandler) reply(sess *session, ev *outboundEvent) {
	frame, err := json.Marshal(ev)
	if err != nil {
		log.Printf("encode %s failed: %v", ev.Type, err)
		return
	}
	if sess.enqueue(frame) {
		metrics.OutboundEvents.WithLabelValues(ev.Type).Inc()
	}
}

func (h *GatewayHandler) replyError(sess *session, conversationID, code, message string) {
	frame, err := json.Marshal(&errorEvent{
		Type:           "error",
		ConversationID: conversationID,
		Code:           code,
		Message:        message,
	})
	if err != nil {
		return
	}
	if sess.enqueue(frame) {
		metrics.OutboundEvents.WithLabelValues("error").Inc()
	}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
