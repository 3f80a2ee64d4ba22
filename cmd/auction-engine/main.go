package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auction-engine/internal/api/handlers"
	"auction-engine/internal/config"
	"auction-engine/internal/infrastructure/leader"
	"auction-engine/internal/infrastructure/mysql"
	"auction-engine/internal/infrastructure/redis"
	"auction-engine/internal/infrastructure/websocket"
	"auction-engine/internal/services"
	"auction-engine/pkg/logger"
	"auction-engine/pkg/utils"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New().Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.NewWithLevel(cfg.Log.Level)
	if zl, ok := log.(*logger.ZapLogger); ok {
		defer zl.Sync()
	}
	log.Info("Starting auction engine", "config", cfg.GetConfigString())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Auction engine stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("Auction engine stopped")
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rdb, err := utils.InitializeRedis(initCtx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()
	log.Info("Connected to Redis", "address", cfg.Redis.Address)

	db, err := utils.InitializeMysql(initCtx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("Connected to MySQL")

	if cfg.MySQL.EnsureSchema {
		if err := mysql.EnsureSchema(initCtx, db); err != nil {
			return err
		}
	}

	// Repositories
	sessionRepo := mysql.NewMySQLSessionRepository(db)
	bidRepo := mysql.NewMySQLBidRepository(db)
	participantRepo := mysql.NewMySQLParticipantRepository(db)
	settlementRepo := mysql.NewMySQLSettlementRepository(db)
	schedulerRepo := mysql.NewMySQLSchedulerRepository(db)
	eventLogRepo := mysql.NewMySQLEventLogRepository(db)

	// Redis backed components
	incrementRules := redis.NewIncrementRuleStore(rdb)
	if err := incrementRules.LoadRules(initCtx); err != nil {
		return fmt.Errorf("load increment rules: %w", err)
	}
	snapshotCache := redis.NewRedisSnapshotCache(rdb, cfg.Redis.SnapshotTTL)
	leaderElection := leader.NewRedisLeaderElection(rdb, cfg.Leader.TTL, log)

	// Presence and fan-out
	connManager := websocket.NewConnectionManager(log)
	notifier := websocket.NewWebSocketNotifier(connManager)
	fanout := services.NewFanout(notifier, notifier, cfg.Engine.PublishAttempts, cfg.Engine.PublishBackoff,
		log, redis.NewEventPublisher(rdb))
	bridge := services.NewSettlementBridge(settlementRepo, redis.NewRedisSettlementStream(rdb),
		cfg.Engine.PublishAttempts, cfg.Engine.PublishBackoff, log)

	registry := services.NewSessionRegistry(sessionRepo, bidRepo, participantRepo, snapshotCache, fanout, bridge,
		services.RegistryConfig{
			TickInterval:    cfg.Engine.TickInterval,
			TeardownGrace:   cfg.Engine.TeardownGrace,
			InboxSize:       cfg.Engine.InboxSize,
			OutboxSize:      cfg.Engine.OutboxSize,
			PublishAttempts: cfg.Engine.PublishAttempts,
			PublishBackoff:  cfg.Engine.PublishBackoff,
			Policy:          services.BiddingPolicy{AllowLeaderRebid: cfg.Engine.AllowLeaderRebid},
		}, log)

	ownership := leader.NewRedisSessionOwnership(rdb, cfg.Leader.TTL, log)
	registry.SetOwnership(ownership, cfg.Instance.ID)
	ownership.OnLost(registry.Evict)

	gate := services.NewDepositGate(redis.NewRedisDepositLedger(rdb), cfg.Deposit.LookupTimeout, log)
	registry.OnTeardown(gate.Forget)
	registry.OnTeardown(func(sessionID string) {
		if err := connManager.CloseAndUnregisterConnections(sessionID); err != nil {
			log.Error("Failed to close session connections", "session_id", sessionID, "error", err)
		}
	})

	auctionManager := services.NewAuctionManager(sessionRepo, bidRepo, participantRepo, eventLogRepo, registry,
		incrementRules, log)
	scheduler := services.NewCronSessionScheduler(schedulerRepo, auctionManager, registry, bridge, leaderElection,
		cfg.Instance.ID, services.SchedulerSpecs{
			JobPoll:         cfg.Scheduler.JobPoll,
			Reaper:          cfg.Scheduler.Reaper,
			SettlementRetry: cfg.Scheduler.SettlementRetry,
		}, log)
	auctionManager.SetScheduler(scheduler)
	bidService := services.NewBidService(registry, gate, log)

	if err := registry.Restore(initCtx); err != nil {
		return err
	}

	e := newServer(cfg, log, auctionManager, bidService, connManager)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := scheduler.Start(gctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		<-gctx.Done()
		return scheduler.Stop()
	})

	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.Info("Starting HTTP server", "address", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down auction engine")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", "error", err)
		}
		registry.Stop()
		if err := leaderElection.ReleaseLeadership(shutdownCtx, cfg.Instance.ID); err != nil {
			log.Error("Failed to release leadership", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func newServer(cfg *config.Config, log logger.Logger, auctionManager *services.AuctionManager,
	bidService *services.BidService, connManager *websocket.ConnectionManager) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.POST, echo.OPTIONS},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
		},
		MaxAge: 86400,
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			log.Debug("Request served",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
				"latency", time.Since(start))
			return err
		}
	})

	api := e.Group("/api/v1")
	handlers.NewAuctionHandler(auctionManager, bidService, log).Register(api)

	wsHandlers := handlers.NewWebSocketHandlers(bidService, auctionManager, connManager, log)
	e.Any("/ws/*", echo.WrapHandler(wsHandlers.Router()))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"service":     "auction-engine",
			"instance_id": cfg.Instance.ID,
			"timestamp":   time.Now().Format(time.RFC3339),
		})
	})

	return e
}
