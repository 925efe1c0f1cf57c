package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/budgetguard/budgetguard/internal/models"
)

// LedgerAggregator answers spend questions when the counter key is
// absent, so the Redis sum can always be rebuilt from the ledger.
type LedgerAggregator interface {
	SumUsage(ctx context.Context, tenant string, from, to time.Time) (decimal.Decimal, error)
}

// UsageCounter maintains per-tenant running USD sums keyed by period
// window. Admission reads them; the ledger consumer writes them.
type UsageCounter struct {
	client     *redis.Client
	aggregator LedgerAggregator
	logger     *zap.Logger
	now        func() time.Time
}

func NewUsageCounter(client *redis.Client, aggregator LedgerAggregator, logger *zap.Logger) *UsageCounter {
	return &UsageCounter{
		client:     client,
		aggregator: aggregator,
		logger:     logger,
		now:        time.Now,
	}
}

func usageKey(tenant string, period models.BudgetPeriod, window string) string {
	return fmt.Sprintf("usage_agg:%s:%s:%s", tenant, period, window)
}

func periodTTL(period models.BudgetPeriod) time.Duration {
	if period == models.BudgetPeriodMonthly {
		return 32 * 24 * time.Hour
	}
	return 48 * time.Hour
}

// Add increments the tenant's running sum for the period containing
// the event. Failures are logged and swallowed; the ledger row is the
// source of truth and the counter rebuilds on next read.
func (c *UsageCounter) Add(ctx context.Context, tenant string, period models.BudgetPeriod, at time.Time, usd decimal.Decimal) {
	key := usageKey(tenant, period, models.WindowKey(period, at))

	usdFloat, _ := usd.Float64()
	if err := c.client.IncrByFloat(ctx, key, usdFloat).Err(); err != nil {
		c.logger.Warn("Usage counter increment failed",
			zap.String("key", key), zap.Error(err))
		return
	}

	ttl, err := c.client.TTL(ctx, key).Result()
	if err == nil && ttl < 0 {
		c.client.Expire(ctx, key, periodTTL(period))
	}
}

// Current reads the tenant's spend inside the window. A missing or
// unreachable counter falls back to a ledger aggregate; with neither
// available it returns zero rather than blocking admission.
func (c *UsageCounter) Current(ctx context.Context, tenant string, period models.BudgetPeriod, from, to time.Time) decimal.Decimal {
	key := usageKey(tenant, period, models.WindowKey(period, c.now()))

	raw, err := c.client.Get(ctx, key).Result()
	if err == nil {
		if usd, perr := decimal.NewFromString(raw); perr == nil {
			return usd
		}
		c.logger.Warn("Corrupt usage counter, recomputing from ledger", zap.String("key", key))
	} else if err != redis.Nil {
		c.logger.Warn("Usage counter read failed, falling back to ledger",
			zap.String("key", key), zap.Error(err))
	}

	if c.aggregator == nil {
		return decimal.Zero
	}
	usd, err := c.aggregator.SumUsage(ctx, tenant, from, to)
	if err != nil {
		c.logger.Warn("Ledger aggregate read failed, assuming zero spend",
			zap.String("tenant", tenant), zap.Error(err))
		return decimal.Zero
	}
	return usd
}
