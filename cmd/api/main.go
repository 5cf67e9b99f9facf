package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/metropoint/drip-engine/internal/catalog"
	"github.com/metropoint/drip-engine/internal/config"
	"github.com/metropoint/drip-engine/internal/handler"
	"github.com/metropoint/drip-engine/internal/infra/postgresql"
	"github.com/metropoint/drip-engine/internal/infra/postgresql/migrations"
	"github.com/metropoint/drip-engine/internal/observability"
	"github.com/metropoint/drip-engine/internal/queue"
	"github.com/metropoint/drip-engine/internal/repository"
	"github.com/metropoint/drip-engine/internal/service"
	"github.com/metropoint/drip-engine/internal/transport"
	"go.uber.org/zap"
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

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close()
	publisher := queue.NewRabbitMQPublisher(rabbit)

	enrollmentRepo := repository.NewGormEnrollmentRepo(db)
	contactRepo := repository.NewGormContactRepo(db)
	campaignRepo := repository.NewGormCampaignRepo(db)
	sendLogRepo := repository.NewGormSendLogRepo(db)

	campaignCatalog, err := catalog.NewCatalog(campaignRepo)
	if err != nil {
		logger.Fatal("catalog initialization failed", zap.Error(err))
	}

	controller, err := service.NewEnrollmentController(enrollmentRepo, contactRepo, campaignCatalog, publisher, logger)
	if err != nil {
		logger.Fatal("controller initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	controller.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	handler.NewHealthHandler(db).RegisterRoutes(app)

	v1 := app.Group("/v1")
	handler.NewCampaignHandler(campaignCatalog).RegisterRoutes(v1)
	handler.NewEnrollmentHandler(controller, enrollmentRepo, sendLogRepo).RegisterRoutes(v1)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down api")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("drip-engine api started", zap.Int("port", cfg.APIPort))
	if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
		logger.Fatal("api server failed", zap.Error(err))
	}
}
