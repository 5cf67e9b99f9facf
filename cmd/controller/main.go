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
	"github.com/metropoint/drip-engine/internal/infra/postgresql"
	"github.com/metropoint/drip-engine/internal/infra/postgresql/migrations"
	"github.com/metropoint/drip-engine/internal/observability"
	"github.com/metropoint/drip-engine/internal/queue"
	"github.com/metropoint/drip-engine/internal/repository"
	"github.com/metropoint/drip-engine/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// The controller binary consumes contact lifecycle events from the CRM and
// applies the auto-enroll, campaign-switch, and unsubscribe policies.
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

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close()

	publisher := queue.NewRabbitMQPublisher(rabbit)
	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.ConsumerPrefetch, logger)

	campaignCatalog, err := catalog.NewCatalog(repository.NewGormCampaignRepo(db))
	if err != nil {
		logger.Fatal("catalog initialization failed", zap.Error(err))
	}

	controller, err := service.NewEnrollmentController(
		repository.NewGormEnrollmentRepo(db),
		repository.NewGormContactRepo(db),
		campaignCatalog,
		publisher,
		logger,
	)
	if err != nil {
		logger.Fatal("controller initialization failed", zap.Error(err))
	}
	metrics := observability.NewMetrics()
	controller.SetMetrics(metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsApp := fiber.New(fiber.Config{DisableStartupMessage: true})
	metricsApp.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	metricsApp.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("controller metrics listening", zap.Int("port", cfg.MetricsPort))
		return metricsApp.Listen(fmt.Sprintf(":%d", cfg.MetricsPort))
	})
	g.Go(func() error {
		<-gctx.Done()
		return metricsApp.ShutdownWithTimeout(5 * time.Second)
	})
	g.Go(func() error {
		logger.Info("enrollment controller started", zap.String("queue", queue.ContactLifecycleQueue))
		return consumer.Consume(gctx, queue.ContactLifecycleQueue, controller.HandleContactEvent)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("consumer stopped unexpectedly", zap.Error(err))
	}
}
