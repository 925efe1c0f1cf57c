package app

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/budgetguard/budgetguard/internal/config"
	"github.com/budgetguard/budgetguard/internal/database"
	"github.com/budgetguard/budgetguard/internal/models"
	"github.com/budgetguard/budgetguard/internal/router"
	"github.com/budgetguard/budgetguard/internal/services/catalog"
	"github.com/budgetguard/budgetguard/internal/services/policy"
	bgredis "github.com/budgetguard/budgetguard/internal/services/redis"
)

// RunServer boots the proxy: database, Redis, policy bundle, the API
// server, and the metrics server. It blocks until the context is
// canceled and then drains both listeners.
func RunServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := database.Connect(cfg.Database, logger)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if err := catalog.Seed(ctx, db); err != nil {
		return fmt.Errorf("pricing seed failed: %w", err)
	}

	redisClient, err := bgredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	evaluator, err := policy.New(ctx, cfg.Policy.WasmPath, logger)
	if err != nil {
		return err
	}
	defer evaluator.Close(context.Background())

	if cfg.Policy.WasmPath != "" {
		if err := registerPolicyBundle(ctx, db, cfg.Policy.WasmPath, logger); err != nil {
			logger.Warn("Policy bundle registration failed", zap.Error(err))
		}
	}

	if err := ensureDefaultTenant(ctx, db, cfg.Budget, logger); err != nil {
		return err
	}

	handler, authService := router.New(cfg, logger, db, redisClient, evaluator)
	defer authService.Close()

	apiServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: router.NewMetricsRouter(),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down servers")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown failed", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", zap.Error(err))
	}
	return nil
}

// registerPolicyBundle records the deployed wasm artifact and its
// content hash so operators can tell which revision a node is running.
func registerPolicyBundle(ctx context.Context, db *gorm.DB, path string, logger *zap.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	revision := fmt.Sprintf("%x", sha256.Sum256(raw))[:12]

	bundle := models.PolicyBundle{Name: "default", Path: path, IsActive: true}
	err = db.WithContext(ctx).
		Where(models.PolicyBundle{Name: "default"}).
		FirstOrCreate(&bundle).Error
	if err != nil {
		return err
	}

	if bundle.Revision != revision || bundle.Path != path {
		bundle.Revision = revision
		bundle.Path = path
		if err := db.WithContext(ctx).Save(&bundle).Error; err != nil {
			return err
		}
	}

	logger.Info("Policy bundle active",
		zap.String("path", path),
		zap.String("revision", revision))
	return nil
}

// ensureDefaultTenant provisions the shared tenant and, when
// DEFAULT_API_KEY is set, a key for it so fresh deployments accept
// traffic without manual setup.
func ensureDefaultTenant(ctx context.Context, db *gorm.DB, cfg config.BudgetConfig, logger *zap.Logger) error {
	if cfg.DefaultTenant == "" {
		return nil
	}

	tenant := models.Tenant{Name: cfg.DefaultTenant, IsActive: true}
	err := db.WithContext(ctx).
		Where(models.Tenant{Name: cfg.DefaultTenant}).
		FirstOrCreate(&tenant).Error
	if err != nil {
		return fmt.Errorf("default tenant provisioning failed: %w", err)
	}

	if cfg.DefaultAPIKey == "" {
		return nil
	}

	prefix := models.KeyPrefix(cfg.DefaultAPIKey)
	if prefix == "" {
		return fmt.Errorf("DEFAULT_API_KEY is shorter than %d characters", models.KeyPrefixLen)
	}

	var existing []models.APIKey
	err = db.WithContext(ctx).
		Where("key_prefix = ? AND tenant_id = ?", prefix, tenant.ID).
		Find(&existing).Error
	if err != nil {
		return err
	}
	for i := range existing {
		if models.VerifyAPIKey(cfg.DefaultAPIKey, existing[i].KeyHash) {
			return nil
		}
	}

	hash, err := models.HashAPIKey(cfg.DefaultAPIKey)
	if err != nil {
		return err
	}
	key := models.APIKey{
		KeyHash:   hash,
		KeyPrefix: prefix,
		IsActive:  true,
		TenantID:  tenant.ID,
	}
	if err := db.WithContext(ctx).Create(&key).Error; err != nil {
		return fmt.Errorf("default key provisioning failed: %w", err)
	}

	logger.Info("Default tenant key provisioned",
		zap.String("tenant", cfg.DefaultTenant),
		zap.String("prefix", prefix))
	return nil
}
