package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/budgetguard/budgetguard/internal/config"
	"github.com/budgetguard/budgetguard/internal/database"
	"github.com/budgetguard/budgetguard/internal/logger"
	"github.com/budgetguard/budgetguard/internal/models"
)

// loadEnv builds the pieces every subcommand needs: parsed config and
// a logger matching its settings.
func loadEnv() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// openDB connects and migrates, so management commands work against a
// fresh database without a prior server boot.
func openDB(cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	db, err := database.Connect(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return db, nil
}

// writeAudit records a management action. Audit failures are reported
// but never roll back the action itself.
func writeAudit(ctx context.Context, db *gorm.DB, log *zap.Logger, action, entity string, entityID uint, detail map[string]interface{}) {
	row := models.AuditLog{
		Actor:    "cli",
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
	}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			row.Detail = datatypes.JSON(raw)
		}
	}
	if err := db.WithContext(ctx).Create(&row).Error; err != nil {
		log.Warn("Audit write failed", zap.String("action", action), zap.Error(err))
	}
}

// tenantByName fetches an existing tenant, erroring when absent.
func tenantByName(ctx context.Context, db *gorm.DB, name string) (*models.Tenant, error) {
	var tenant models.Tenant
	err := db.WithContext(ctx).Where("name = ?", name).First(&tenant).Error
	if err != nil {
		return nil, fmt.Errorf("tenant %q not found: %w", name, err)
	}
	return &tenant, nil
}
