package main

import (
	"context"
	"flag"
	"log"

	"github.com/metropoint/drip-engine/internal/catalog"
	"github.com/metropoint/drip-engine/internal/config"
	"github.com/metropoint/drip-engine/internal/infra/postgresql"
	"github.com/metropoint/drip-engine/internal/infra/postgresql/migrations"
	"github.com/metropoint/drip-engine/internal/observability"
	"github.com/metropoint/drip-engine/internal/repository"
	"go.uber.org/zap"
)

// The seeder loads campaign definition JSON files into the catalog. It is
// idempotent: re-running upserts definitions by campaign id.
func main() {
	dir := flag.String("dir", "data/campaigns", "directory of campaign definition JSON files")
	flag.Parse()

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

	campaignCatalog, err := catalog.NewCatalog(repository.NewGormCampaignRepo(db))
	if err != nil {
		logger.Fatal("catalog initialization failed", zap.Error(err))
	}

	definitions, err := catalog.LoadDefinitionsFromDir(*dir)
	if err != nil {
		logger.Fatal("failed to load campaign definitions", zap.Error(err))
	}

	ctx := context.Background()
	for _, definition := range definitions {
		if err := campaignCatalog.Register(ctx, definition); err != nil {
			logger.Fatal("failed to register campaign",
				zap.String("campaignId", definition.ID),
				zap.Error(err),
			)
		}
		logger.Info("campaign registered",
			zap.String("campaignId", definition.ID),
			zap.Int("steps", len(definition.Steps)),
			zap.Strings("autoEnrollClassifications", definition.AutoEnrollClassifications),
		)
	}

	logger.Info("seeding finished", zap.Int("campaigns", len(definitions)))
}
