package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridian-chat/meridian/internal/adapters/auth"
	"github.com/meridian-chat/meridian/internal/adapters/circuitbreaker"
	httpadapter "github.com/meridian-chat/meridian/internal/adapters/http"
	"github.com/meridian-chat/meridian/internal/adapters/http/handlers"
	"github.com/meridian-chat/meridian/internal/adapters/id"
	"github.com/meridian-chat/meridian/internal/adapters/metrics"
	"github.com/meridian-chat/meridian/internal/adapters/postgres"
	redisadapter "github.com/meridian-chat/meridian/internal/adapters/redis"
	"github.com/meridian-chat/meridian/internal/application/pipeline"
	"github.com/meridian-chat/meridian/internal/application/services"
	"github.com/meridian-chat/meridian/internal/ports"
)

const (
	poolStatsInterval     = 15 * time.Second
	fanoutQueueCap        = 4096
	breakerFailures       = 3
	breakerCooldown       = 30 * time.Second
	presenceSweepInterval = 30 * time.Second
)

// serveCmd starts the chat server
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		Long: `Start the Meridian chat server.

The server accepts WebSocket sessions and REST requests, runs the
message pipeline (producer, partition consumers, fanout) and exposes
health and metrics endpoints.

Required configuration:
  - PostgreSQL database (DATABASE_URL)
  - Token verification (JWT_ISSUER, JWT_AUDIENCE, JWKS_URL or PUBLIC_KEYS)

Optional:
  - Redis socket adapter (SOCKET_ADAPTER_ENABLED, SOCKET_REDIS_URL)
  - Read replicas (ENABLE_READ_REPLICAS, REPLICA_DATABASE_URL)
  - Redis result cache (ENABLE_REDIS_CACHE, REDIS_URL)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// runServer initializes and starts the chat server
func runServer(ctx context.Context) error {
	log.Println("Starting Meridian chat server...")
	log.Printf("  HTTP:       http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("  Partitions: %d", cfg.Stream.Partitions)
	log.Printf("  Instance:   %s", cfg.Socket.InstanceID)

	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()

	// Primary database pool.
	log.Println("Connecting to PostgreSQL...")
	pool, err := newPool(ctx, cfg.Database.URL, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	log.Println("Database connection established")

	dbRouter := postgres.NewRouter(pool)

	// Optional read replica, gated by the lag-driven circuit breaker.
	var replicaHealth ports.ReplicaHealth
	if cfg.Database.EnableReadReplicas {
		replicaPool, err := newPool(ctx, cfg.Database.ReplicaURL, cfg.Database)
		if err != nil {
			return fmt.Errorf("replica: %w", err)
		}
		defer replicaPool.Close()

		breaker := circuitbreaker.NewReplicaBreaker(
			cfg.Database.ReplicaLagCriticalSec, breakerFailures, breakerCooldown)
		lagMonitor := postgres.NewLagMonitor(
			replicaPool, breaker, cfg.Database.ReplicaLagPollInterval, cfg.Database.ReplicaLagWarningSec)
		go lagMonitor.Run(serverCtx)

		dbRouter = dbRouter.WithReplica(replicaPool, breaker)
		replicaHealth = breaker
		log.Println("Read replica attached")
	}
	go dbRouter.CollectPoolStats(serverCtx, poolStatsInterval)

	// Repositories and transaction manager.
	conversationRepo := postgres.NewConversationRepository(dbRouter)
	memberRepo := postgres.NewMemberRepository(dbRouter)
	messageRepo := postgres.NewMessageRepository(dbRouter)
	receiptRepo := postgres.NewReceiptRepository(dbRouter)
	txManager := postgres.NewTransactionManager(pool)

	idGen := id.New()

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to initialize token verifier: %w", err)
	}
	log.Println("Token verifier initialized")

	// Socket adapter state: Redis in normal operation, in-memory stand-ins
	// in mock mode. Mock mode is rejected by config validation in production.
	var (
		messageLog ports.MessageLog
		presence   ports.PresenceStore
		replay     ports.ReplayCache
	)
	onPresence := func(userID string, online bool) {
		state := "online"
		if !online {
			state = "offline"
		}
		metrics.PresenceTransitions.WithLabelValues(state).Inc()
		log.Printf("presence: user %s is %s", userID, state)
	}
	if cfg.Socket.AdapterEnabled && !cfg.Dev.SocketRedisMock {
		socketRedis, err := redisadapter.NewClient(ctx, cfg.Socket.RedisURL, cfg.Socket.RedisTLS)
		if err != nil {
			return fmt.Errorf("socket redis: %w", err)
		}
		defer socketRedis.Close()

		streamLog := redisadapter.NewStreamLog(socketRedis, cfg.Socket.RedisKeyPrefix)
		if err := streamLog.EnsureGroups(ctx, cfg.Stream.Partitions); err != nil {
			return fmt.Errorf("failed to create stream groups: %w", err)
		}
		messageLog = streamLog
		presenceStore := redisadapter.NewPresenceStore(socketRedis, cfg.Socket.RedisKeyPrefix)
		presenceStore.OnTransition(onPresence)
		go presenceStore.Run(serverCtx, presenceSweepInterval)
		presence = presenceStore
		replay = redisadapter.NewReplayCache(
			socketRedis, cfg.Socket.RedisKeyPrefix, cfg.Socket.ReplayCacheTTL(), cfg.Socket.ReplayCacheMaxMsgs)
		log.Println("Redis socket adapter initialized")
	} else {
		messageLog = redisadapter.NewMemoryLog()
		memPresence := redisadapter.NewMemoryPresence()
		memPresence.OnTransition(onPresence)
		go memPresence.Run(serverCtx, presenceSweepInterval)
		presence = memPresence
		replay = redisadapter.NewMemoryReplay(cfg.Socket.ReplayCacheMaxMsgs)
		log.Println("In-memory socket adapter initialized (single instance only)")
	}

	// Optional read-side result cache.
	var cache ports.ResultCache = redisadapter.NoopCache{}
	if cfg.Cache.EnableRedisCache {
		cacheRedis, err := redisadapter.NewClient(ctx, cfg.Cache.RedisURL, false)
		if err != nil {
			return fmt.Errorf("cache redis: %w", err)
		}
		defer cacheRedis.Close()
		cache = redisadapter.NewResultCache(cacheRedis, cfg.Socket.RedisKeyPrefix, cfg.Cache.Bypass)
		log.Println("Redis result cache initialized")
	}

	// Message pipeline: producer, one consumer per partition, fanout queue.
	fanout := pipeline.NewFanoutQueue(fanoutQueueCap)
	defer fanout.Close()

	producer := pipeline.NewProducer(
		messageLog,
		conversationRepo,
		memberRepo,
		idGen,
		cache,
		cfg.Stream.Partitions,
		cfg.Socket.MaxMessageBytes,
		int64(cfg.Stream.PendingHighWater),
	)

	consumerCfg := pipeline.ConsumerConfig{
		MaxRetries:   cfg.Stream.MaxRetries,
		PollInterval: cfg.Stream.PollInterval(),
		BatchSize:    cfg.Stream.BatchSize,
	}
	workers := pipeline.NewWorkers(cfg.Stream.Partitions, consumerCfg, func(partition int) *pipeline.Consumer {
		return pipeline.NewConsumer(
			partition, consumerCfg,
			messageLog, txManager, messageRepo, receiptRepo, conversationRepo, replay, fanout)
	})
	go workers.Run(serverCtx)
	log.Printf("Pipeline started with %d partition consumers", cfg.Stream.Partitions)

	chatService := services.NewChatService(
		conversationRepo, memberRepo, messageRepo, receiptRepo,
		presence, cache, txManager, idGen, fanout)

	hub := handlers.NewHub(receiptRepo)
	go hub.Run(serverCtx, fanout)

	server := httpadapter.NewServer(
		cfg, hub, verifier, producer, chatService,
		presence, replay, messageRepo, memberRepo, idGen,
		dbRouter, replicaHealth)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		log.Println("Shutting down gracefully...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		// Stop accepting connections first, then stop the pipeline so
		// in-flight messages drain before the pools close.
		if err := server.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		serverCancel()

		log.Println("Server stopped")
		return nil
	}
}
