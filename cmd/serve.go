package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/collab-coordinator/broker"
	"github.com/abdelmounim-dev/collab-coordinator/config"
	"github.com/abdelmounim-dev/collab-coordinator/logging"
	"github.com/abdelmounim-dev/collab-coordinator/metrics"
	"github.com/abdelmounim-dev/collab-coordinator/presence"
	"github.com/abdelmounim-dev/collab-coordinator/reaper"
	"github.com/abdelmounim-dev/collab-coordinator/router"
	"github.com/abdelmounim-dev/collab-coordinator/server"
	"github.com/abdelmounim-dev/collab-coordinator/services"
	"github.com/abdelmounim-dev/collab-coordinator/state"
	"github.com/abdelmounim-dev/collab-coordinator/tracing"
	"github.com/abdelmounim-dev/collab-coordinator/websocket"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) error {
	instanceID := uuid.New().String()
	logger = logger.With(zap.String("instance", instanceID))
	logger.Info("Starting coordinator instance")

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, instanceID)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("Tracing shutdown error", zap.Error(err))
		}
	}()

	redisClient, err := services.NewRedisClient(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}

	store := state.NewRedisStore(redisClient, retention(cfg.Collab), state.WithKeyPrefix(cfg.Redis.KeyPrefix))

	logger.Info("Initializing message broker", zap.String("type", cfg.Broker.Type))
	messageBroker, err := broker.Open(cfg.Broker, redisClient, instanceID, logger)
	if err != nil {
		services.CloseRedisClient(redisClient)
		return fmt.Errorf("failed to create %s broker: %w", cfg.Broker.Type, err)
	}
	relay := broker.NewRelay(messageBroker, cfg.Broker.Channel, instanceID, logger)

	tracker := presence.NewTracker(store, instanceID, logger)
	rtr := router.New(tracker, store, relay, logger)
	rp := reaper.New(tracker, store, rtr, logger)

	var validator *websocket.JWTValidator
	if cfg.Auth.Enabled {
		validator = websocket.NewJWTValidator(cfg.Auth, redisClient, logger)
		logger.Info("JWT authentication is enabled")
	} else {
		logger.Info("JWT authentication is disabled, trusting gateway user ids",
			zap.String("param", cfg.Auth.UserQueryParam))
	}

	clients := websocket.NewClientManager(cfg.WebSocket.MaxConnections, logger)
	handler := websocket.NewHandler(clients, rtr, rp, validator, cfg.Auth, cfg.WebSocket, logger)

	routes := server.Routes{
		WebSocket: handler.HandleWebSocket,
		Presence:  tracker,
		Store:     store,
		Ping:      func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		Logger:    logger,
	}
	srv := server.NewServer(cfg.Server, routes.Handler(), logger)

	if cfg.Metrics.Enabled {
		metricsSrv := metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path, logger)
		defer metricsSrv.Close()
	}

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	relayDone, err := relay.Start(relayCtx, clients)
	if err != nil {
		messageBroker.Close()
		services.CloseRedisClient(redisClient)
		return fmt.Errorf("failed to start broadcast relay: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-serveErr:
	case <-relayDone:
		runErr = fmt.Errorf("broadcast relay stopped")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Reaping runs while the broker and Redis are still open.
	srv.Shutdown(sctx, clients)
	waitForConnections(sctx, clients)
	stopRelay()
	if err := messageBroker.Close(); err != nil {
		logger.Error("Broker close error", zap.Error(err))
	}
	if err := services.CloseRedisClient(redisClient); err != nil {
		logger.Error("Redis close error", zap.Error(err))
	}
	return runErr
}

// waitForConnections gives handlers a chance to reap their sessions.
func waitForConnections(ctx context.Context, clients *websocket.ClientManager) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for clients.Count() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func retention(cfg config.CollabConfig) state.Retention {
	return state.Retention{
		Snapshot:  cfg.SnapshotRetention(),
		Chat:      cfg.ChatRetention(),
		ChatLimit: cfg.ChatLimit,
		Typing:    cfg.TypingRetention(),
	}
}
