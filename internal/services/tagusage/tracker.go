package tagusage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/budgetguard/budgetguard/internal/models"
)

// Fingerprint TTLs must outlive the window they guard so a replayed
// event cannot re-increment an aggregate that is still live.
const (
	dailyFingerprintTTL   = 48 * time.Hour
	monthlyFingerprintTTL = 32 * 24 * time.Hour
)

// trackedPeriods are the windows the tracker aggregates per tag.
var trackedPeriods = []models.BudgetPeriod{
	models.BudgetPeriodDaily,
	models.BudgetPeriodMonthly,
}

// Tracker maintains per tenant x tag x period running USD sums in
// Redis. Every update is idempotent on (ledger row, tag); the ledger
// row remains the source of truth and aggregates are rebuildable.
type Tracker struct {
	client *redis.Client
	logger *zap.Logger
}

func NewTracker(client *redis.Client, logger *zap.Logger) *Tracker {
	return &Tracker{client: client, logger: logger}
}

func aggKey(tenant string, tagID uint, period models.BudgetPeriod, window string) string {
	return fmt.Sprintf("tag_usage_agg:%s:%d:%s:%s", tenant, tagID, period, window)
}

func fingerprintKey(ledgerID uint, tagID uint) string {
	return fmt.Sprintf("tag_usage_event:%d:%d", ledgerID, tagID)
}

func fingerprintTTL(period models.BudgetPeriod) time.Duration {
	if period == models.BudgetPeriodMonthly {
		return monthlyFingerprintTTL
	}
	return dailyFingerprintTTL
}

// Record applies one ledger row's spend to every tag it carries,
// weighted, across the tracked periods. Duplicate applications of the
// same row are no-ops. Redis failures are logged and swallowed.
func (t *Tracker) Record(ctx context.Context, tenant string, ledgerID uint, at time.Time, usd decimal.Decimal, tags []models.TagRef) {
	for _, tag := range tags {
		fresh, err := t.client.SetNX(ctx, fingerprintKey(ledgerID, tag.ID), "1", monthlyFingerprintTTL).Result()
		if err != nil {
			t.logger.Warn("Tag usage fingerprint write failed, skipping tag",
				zap.Uint("ledger_id", ledgerID),
				zap.Uint("tag_id", tag.ID),
				zap.Error(err))
			continue
		}
		if !fresh {
			t.logger.Debug("Duplicate tag usage event skipped",
				zap.Uint("ledger_id", ledgerID),
				zap.Uint("tag_id", tag.ID))
			continue
		}

		weighted, _ := usd.Mul(decimal.NewFromFloat(tag.Weight)).Float64()
		for _, period := range trackedPeriods {
			t.increment(ctx, aggKey(tenant, tag.ID, period, models.WindowKey(period, at)), weighted, period)
		}
	}
}

func (t *Tracker) increment(ctx context.Context, key string, usd float64, period models.BudgetPeriod) {
	if err := t.client.IncrByFloat(ctx, key, usd).Err(); err != nil {
		t.logger.Warn("Tag usage increment failed",
			zap.String("key", key), zap.Error(err))
		return
	}

	ttl, err := t.client.TTL(ctx, key).Result()
	if err == nil && ttl < 0 {
		t.client.Expire(ctx, key, fingerprintTTL(period))
	}
}

// Current reads the running sum for one tag aggregate. Missing keys
// read as zero.
func (t *Tracker) Current(ctx context.Context, tenant string, tagID uint, period models.BudgetPeriod, at time.Time) (decimal.Decimal, error) {
	raw, err := t.client.Get(ctx, aggKey(tenant, tagID, period, models.WindowKey(period, at))).Result()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}
