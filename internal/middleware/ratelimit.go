package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/budgetguard/budgetguard/internal/models"
	"github.com/budgetguard/budgetguard/internal/services/budget"
	bgredis "github.com/budgetguard/budgetguard/internal/services/redis"
)

const denialPublishTimeout = 5 * time.Second

// RateLimit enforces the per-tenant requests-per-minute cap. It must
// run after Auth. Refused requests leave a denied event in the stream
// like every other terminal outcome past authentication.
func RateLimit(limiter *bgredis.RateLimiter, budgets *budget.Service, publisher *bgredis.EventPublisher, fallback int, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFrom(r.Context())
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":{"message":"Missing identity","type":"authentication_error"}}`))
				return
			}

			limit, err := budgets.ReadRateLimit(r.Context(), identity.TenantName, fallback)
			if err != nil {
				logger.Warn("Rate limit read failed, using fallback",
					zap.String("tenant", identity.TenantName), zap.Error(err))
				limit = fallback
			}

			allowed, err := limiter.Allow(r.Context(), identity.TenantName, limit)
			if err != nil || !allowed {
				RecordDenial("rate_limit")
				publishRateLimitDenial(publisher, identity.TenantName, r.URL.Path, logger)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":{"message":"Rate limit exceeded","type":"rate_limit_error"}}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// publishRateLimitDenial appends the denied event on its own context
// so a client disconnect cannot suppress it. The body is never read
// here, so the model and token fields stay empty.
func publishRateLimitDenial(publisher *bgredis.EventPublisher, tenant, route string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), denialPublishTimeout)
	defer cancel()

	_, err := publisher.Publish(ctx, bgredis.UsageEvent{
		Timestamp: time.Now().UTC(),
		Tenant:    tenant,
		Route:     route,
		USD:       decimal.Zero,
		Status:    models.UsageStatusDenied,
	})
	if err != nil {
		logger.Error("Usage event publish failed",
			zap.String("tenant", tenant),
			zap.String("status", string(models.UsageStatusDenied)),
			zap.Error(err))
		return
	}
	RecordEventPublished(string(models.UsageStatusDenied))
}
