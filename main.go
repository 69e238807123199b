package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/metrics-pooler/aggregation"
	"github.com/abdelmounim-dev/metrics-pooler/bridge"
	"github.com/abdelmounim-dev/metrics-pooler/broker"
	"github.com/abdelmounim-dev/metrics-pooler/config"
	"github.com/abdelmounim-dev/metrics-pooler/health"
	"github.com/abdelmounim-dev/metrics-pooler/logging"
	"github.com/abdelmounim-dev/metrics-pooler/metrics"
	"github.com/abdelmounim-dev/metrics-pooler/ratelimit"
	"github.com/abdelmounim-dev/metrics-pooler/room"
	"github.com/abdelmounim-dev/metrics-pooler/server"
	"github.com/abdelmounim-dev/metrics-pooler/services"
	"github.com/abdelmounim-dev/metrics-pooler/session"
	"github.com/abdelmounim-dev/metrics-pooler/subscription"
	"github.com/abdelmounim-dev/metrics-pooler/websocket"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	cfg := config.Get()

	// Unique ID for this instance; it tags presence records and published
	// messages.
	serverID := uuid.New().String()

	logger, err := logging.New(logging.Config{
		Environment: cfg.Log.Environment,
		Level:       cfg.Log.Level,
		Service:     "metrics-pooler",
		ServerID:    serverID,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// The backing store is always Redis; the broker may be Kafka.
	redisClient, err := services.NewRedisClient(cfg.Broker.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer services.CloseRedisClient(redisClient)

	var messageBroker broker.MessageBroker
	logger.Info("initializing message broker", zap.String("broker_type", cfg.Broker.Type))
	switch strings.ToLower(cfg.Broker.Type) {
	case "redis":
		messageBroker = broker.NewRedisBroker(redisClient, logger)
	case "kafka":
		messageBroker, err = broker.NewKafkaBroker(cfg.Broker.Kafka.Brokers, cfg.Broker.Kafka.GroupID, serverID, logger)
		if err != nil {
			logger.Fatal("failed to create kafka broker", zap.Error(err))
		}
	default:
		logger.Fatal("invalid broker type", zap.String("broker_type", cfg.Broker.Type))
	}

	cache := bridge.New(redisClient, messageBroker, bridge.Options{
		ServerID:           serverID,
		Namespace:          cfg.Cache.Namespace,
		OpTimeout:          time.Duration(cfg.Cache.OpTimeout) * time.Millisecond,
		BreakerMaxFailures: cfg.Cache.BreakerMaxFailures,
		BreakerOpenTimeout: time.Duration(cfg.Cache.BreakerOpenTimeout) * time.Second,
	}, logger)

	var resolver websocket.IdentityResolver = websocket.TrustingResolver{}
	if cfg.Auth.Enabled {
		resolver = websocket.NewJWTValidator(cfg.Auth, redisClient, logger)
		logger.Info("JWT authentication is enabled")
	} else {
		logger.Warn("JWT authentication is disabled; clients choose their tenant")
	}

	presence := session.NewRedisStore(redisClient, cfg.Cache.PresenceKeyPrefix, time.Duration(cfg.Cache.PresenceTTL)*time.Second)
	clientManager := websocket.NewClientManager(presence, serverID, logger)
	rooms := room.NewRegistry()
	engine := subscription.NewEngine(cfg.Subscription.MaxPerConnection)

	handler := websocket.NewHandler(websocket.HandlerOptions{
		WebSocket:     cfg.WebSocket,
		MaxViolations: cfg.RateLimit.MaxViolations,
		Manager:       clientManager,
		Rooms:         rooms,
		Engine:        engine,
		Admission:     ratelimit.NewLimiter(cache, cfg.RateLimit, logger),
		Resolver:      resolver,
		Log:           logger,
	})

	hub := websocket.NewHub(cache, engine, clientManager, cfg.Broker.Channels.Updates, cfg.Broker.Channels.Control, logger)
	if err := hub.Start(ctx); err != nil {
		logger.Fatal("failed to start hub", zap.Error(err))
	}

	checker := health.NewHealthChecker(serverID)
	checker.Register(health.CheckFunc("redis", cache.Ping))

	srv := server.NewServer(server.Options{
		Config:    cfg.Server,
		WebSocket: handler.HandleWebSocket,
		Manager:   clientManager,
		Rooms:     rooms,
		Hub:       hub,
		Emitter:   aggregation.NewEmitter(cache, cfg.Broker.Channels.Updates, time.Duration(cfg.Cache.SnapshotTTL)*time.Second, logger),
		Presence:  presence,
		Health:    checker,
		Broker:    messageBroker,
		Log:       logger,
	})

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("metrics pooler started", zap.Int("port", cfg.Server.Port))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown incomplete", zap.Error(err))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	cancel()
}
