package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/budgetguard/budgetguard/internal/config"
	"github.com/budgetguard/budgetguard/internal/handlers"
	"github.com/budgetguard/budgetguard/internal/middleware"
	"github.com/budgetguard/budgetguard/internal/services/auth"
	"github.com/budgetguard/budgetguard/internal/services/budget"
	"github.com/budgetguard/budgetguard/internal/services/catalog"
	"github.com/budgetguard/budgetguard/internal/services/cost"
	"github.com/budgetguard/budgetguard/internal/services/policy"
	"github.com/budgetguard/budgetguard/internal/services/providers"
	bgredis "github.com/budgetguard/budgetguard/internal/services/redis"
	"github.com/budgetguard/budgetguard/internal/services/worker"
)

// New wires the proxy's request path: service construction, the chi
// middleware chain, and the LLM surface.
func New(cfg *config.Config, logger *zap.Logger, db *gorm.DB, redisClient *redis.Client, evaluator policy.Evaluator) (http.Handler, *auth.Service) {
	authService := auth.NewService(auth.NewGormKeyStore(db), logger)
	cat := catalog.New(catalog.NewGormPricingStore(db), logger)
	estimator := cost.NewEstimator(cat, logger)
	registry := providers.NewRegistry(cfg.Providers, cfg.Server.UpstreamTimeout, logger)
	publisher := bgredis.NewEventPublisher(redisClient, logger)
	limiter := bgredis.NewRateLimiter(redisClient, logger)
	counter := bgredis.NewUsageCounter(redisClient, worker.NewGormLedgerStore(db), logger)

	budgets := budget.NewService(budget.NewGormStore(db), redisClient, logger, budget.Defaults{
		DailyUSD:   decimal.NewFromFloat(cfg.Budget.DefaultDailyUSD),
		MonthlyUSD: decimal.NewFromFloat(cfg.Budget.DefaultMonthlyUSD),
		StartDate:  cfg.Budget.ParsedStartDate(),
		EndDate:    cfg.Budget.ParsedEndDate(),
	})

	proxy := handlers.NewProxyHandler(cat, registry, budgets, counter, evaluator, estimator,
		publisher, cfg.Budget.EnabledPeriods(), logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics())

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}))

	r.Get("/health", handlers.Health)
	r.Get("/ready", handlers.Ready(db, redisClient))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(middleware.Auth(authService, cfg.Budget.DefaultTenant, logger))
		if cfg.RateLimit.Enabled {
			v1.Use(middleware.RateLimit(limiter, budgets, publisher, cfg.RateLimit.RequestsPerMinute, logger))
		}
		v1.Post("/chat/completions", proxy.ChatCompletions)
		v1.Post("/responses", proxy.Responses)
	})

	return r, authService
}
