package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/budgetguard/budgetguard/internal/config"
	"github.com/budgetguard/budgetguard/internal/database"
	"github.com/budgetguard/budgetguard/internal/services/budget"
	bgredis "github.com/budgetguard/budgetguard/internal/services/redis"
	"github.com/budgetguard/budgetguard/internal/services/tagusage"
	"github.com/budgetguard/budgetguard/internal/services/worker"
)

// RunWorker boots the ledger consumer and blocks until the context is
// canceled. It runs against the same database and Redis instance as the
// proxy but holds no HTTP listener.
func RunWorker(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := database.Connect(cfg.Database, logger)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	redisClient, err := bgredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	store := worker.NewGormLedgerStore(db)
	counter := bgredis.NewUsageCounter(redisClient, store, logger)
	tracker := tagusage.NewTracker(redisClient, logger)
	budgets := budget.NewService(budget.NewGormStore(db), redisClient, logger, budget.Defaults{
		DailyUSD:   decimal.NewFromFloat(cfg.Budget.DefaultDailyUSD),
		MonthlyUSD: decimal.NewFromFloat(cfg.Budget.DefaultMonthlyUSD),
		StartDate:  cfg.Budget.ParsedStartDate(),
		EndDate:    cfg.Budget.ParsedEndDate(),
	})

	consumer := worker.NewConsumer(redisClient, store, counter, tracker, budgets,
		cfg.Budget.EnabledPeriods(), logger)

	err = consumer.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
