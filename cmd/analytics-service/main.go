package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auction-engine/internal/config"
	"auction-engine/internal/infrastructure/mysql"
	"auction-engine/internal/infrastructure/redis"
	"auction-engine/internal/services"
	"auction-engine/pkg/logger"
	"auction-engine/pkg/utils"
)

// The analytics service keeps the audit trail of every published session
// event in MySQL.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New().Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.NewWithLevel(cfg.Log.Level).With("service", "analytics")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rdb, err := utils.InitializeRedis(initCtx, cfg)
	if err != nil {
		log.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	db, err := utils.InitializeMysql(initCtx, cfg)
	if err != nil {
		log.Error("Failed to connect to MySQL", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.MySQL.EnsureSchema {
		if err := mysql.EnsureSchema(initCtx, db); err != nil {
			log.Error("Failed to apply schema", "error", err)
			os.Exit(1)
		}
	}

	eventSubscriber := redis.NewRedisEventSubscriber(rdb, log)
	eventListener := services.NewEventListener(mysql.NewMySQLEventLogRepository(db), log)

	if err := eventListener.Start(ctx, eventSubscriber); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Analytics service failed", "error", err)
		os.Exit(1)
	}

	log.Info("Analytics service stopped")
}
