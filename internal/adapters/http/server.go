package http

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridian-chat/meridian/internal/adapters/http/handlers"
	"github.com/meridian-chat/meridian/internal/adapters/http/middleware"
	"github.com/meridian-chat/meridian/internal/adapters/postgres"
	"github.com/meridian-chat/meridian/internal/application/services"
	"github.com/meridian-chat/meridian/internal/config"
	"github.com/meridian-chat/meridian/internal/ports"
)

type Server struct {
	config     *config.Config
	router     *chi.Mux
	httpServer *http.Server

	hub      *handlers.Hub
	verifier ports.TokenVerifier
	producer ports.MessageProducer
	chat     *services.ChatService
	presence ports.PresenceStore
	replay   ports.ReplayCache
	messages ports.MessageRepository
	members  ports.MemberRepository
	ids      ports.IDGenerator
	dbRouter *postgres.Router
	replica  ports.ReplicaHealth
}

func NewServer(
	cfg *config.Config,
	hub *handlers.Hub,
	verifier ports.TokenVerifier,
	producer ports.MessageProducer,
	chat *services.ChatService,
	presence ports.PresenceStore,
	replay ports.ReplayCache,
	messages ports.MessageRepository,
	members ports.MemberRepository,
	ids ports.IDGenerator,
	dbRouter *postgres.Router,
	replica ports.ReplicaHealth,
) *Server {
	s := &Server{
		config:   cfg,
		hub:      hub,
		verifier: verifier,
		producer: producer,
		chat:     chat,
		presence: presence,
		replay:   replay,
		messages: messages,
		members:  members,
		ids:      ids,
		dbRouter: dbRouter,
		replica:  replica,
	}

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS(s.config.Server.CORSOrigins))
	r.Use(middleware.Metrics)

	healthHandler := handlers.NewHealthHandler(s.dbRouter, s.replica)
	r.Get("/health", healthHandler.Handle)
	r.Get("/health/database", healthHandler.HandleDatabase)
	r.Handle("/metrics", promhttp.Handler())

	gateway := handlers.NewGatewayHandler(
		s.config.Socket,
		s.config.Server.CORSOrigins,
		s.hub,
		s.verifier,
		s.producer,
		s.chat,
		s.presence,
		s.replay,
		s.messages,
		s.members,
		s.ids,
	)
	// The gateway authenticates during its own handshake; tokens may arrive
	// after the upgrade as a first frame.
	r.Get("/ws", gateway.Handle)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(s.verifier))

		conversationsHandler := handlers.NewConversationsHandler(s.chat)
		r.Post("/conversations", conversationsHandler.Create)
		r.Get("/conversations", conversationsHandler.List)
		r.Get("/conversations/search", conversationsHandler.Search)
		r.Get("/conversations/{id}", conversationsHandler.Get)
		r.Patch("/conversations/{id}", conversationsHandler.Patch)
		r.Delete("/conversations/{id}", conversationsHandler.Delete)
		r.Post("/conversations/{id}/participants", conversationsHandler.AddParticipant)
		r.Delete("/conversations/{id}/participants/{userId}", conversationsHandler.RemoveParticipant)
		r.Put("/conversations/{id}/participants/{userId}/role", conversationsHandler.UpdateRole)
		r.Get("/unread-count", conversationsHandler.UnreadCount)

		messagesHandler := handlers.NewMessagesHandler(s.chat, s.producer)
		r.Get("/conversations/{id}/messages", messagesHandler.List)
		r.Post("/conversations/{id}/messages", messagesHandler.Send)
		r.Post("/conversations/{id}/read", messagesHandler.MarkRead)
		r.Get("/messages/search", messagesHandler.Search)
		r.Put("/messages/{id}", messagesHandler.Edit)
		r.Delete("/messages/{id}", messagesHandler.Delete)
	})

	s.router = r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for WebSocket sessions
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("Starting HTTP server on %s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	log.Println("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Router() *chi.Mux {
	return s.router
}
