package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/metropoint/drip-engine/internal/catalog"
	"github.com/metropoint/drip-engine/internal/config"
	"github.com/metropoint/drip-engine/internal/delivery"
	"github.com/metropoint/drip-engine/internal/infra/postgresql"
	"github.com/metropoint/drip-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/metropoint/drip-engine/internal/infra/redis"
	"github.com/metropoint/drip-engine/internal/observability"
	"github.com/metropoint/drip-engine/internal/queue"
	"github.com/metropoint/drip-engine/internal/repository"
	"github.com/metropoint/drip-engine/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	tickLock, err := infraredis.NewSchedulerLock(rdb)
	if err != nil {
		logger.Fatal("scheduler lock initialization failed", zap.Error(err))
	}
	limiter, err := infraredis.NewSendRateLimiter(rdb, cfg.SendRatePerSec)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close()
	publisher := queue.NewRabbitMQPublisher(rabbit)

	deliveryService, err := delivery.NewHTTPService(cfg.DeliveryEndpoint, cfg.DeliveryAPIKey)
	if err != nil {
		logger.Fatal("delivery service initialization failed", zap.Error(err))
	}

	campaignCatalog, err := catalog.NewCatalog(repository.NewGormCampaignRepo(db))
	if err != nil {
		logger.Fatal("catalog initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()

	scheduler, err := service.NewDueStepScheduler(
		repository.NewGormEnrollmentRepo(db),
		repository.NewGormContactRepo(db),
		campaignCatalog,
		repository.NewGormSendLogRepo(db),
		deliveryService,
		publisher,
		logger,
		service.SchedulerOptions{
			TickInterval: time.Duration(cfg.TickIntervalMinutes) * time.Minute,
			ScanLimit:    cfg.TickScanLimit,
			MaxAttempts:  cfg.MaxSendAttempts,
			SendTimeout:  time.Duration(cfg.SendTimeoutSeconds) * time.Second,
			Limiter:      limiter,
			Lock:         tickLock,
			Metrics:      metrics,
		},
	)
	if err != nil {
		logger.Fatal("scheduler initialization failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsApp := fiber.New(fiber.Config{DisableStartupMessage: true})
	metricsApp.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	metricsApp.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("scheduler metrics listening", zap.Int("port", cfg.MetricsPort))
		return metricsApp.Listen(fmt.Sprintf(":%d", cfg.MetricsPort))
	})
	g.Go(func() error {
		<-gctx.Done()
		return metricsApp.ShutdownWithTimeout(5 * time.Second)
	})
	g.Go(func() error {
		return scheduler.Start(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("scheduler stopped unexpectedly", zap.Error(err))
	}
}
