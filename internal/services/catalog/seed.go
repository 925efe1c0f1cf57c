package catalog

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/budgetguard/budgetguard/internal/models"
)

func provider(p models.ProviderType) *models.ProviderType {
	return &p
}

func price(usd float64) decimal.Decimal {
	return decimal.NewFromFloat(usd)
}

// defaultPricing is the shipped catalog, USD per 1M tokens. The
// gemini-2.5-pro tiers are split into -low and -high rows; the cost
// estimator picks one by total token count.
var defaultPricing = []models.ModelPricing{
	{ModelName: "gpt-4", Provider: provider(models.ProviderOpenAI), InputPrice: price(30), OutputPrice: price(60)},
	{ModelName: "gpt-4-turbo", Provider: provider(models.ProviderOpenAI), InputPrice: price(10), OutputPrice: price(30)},
	{ModelName: "gpt-4o", Provider: provider(models.ProviderOpenAI), InputPrice: price(2.5), CachedInputPrice: price(1.25), OutputPrice: price(10)},
	{ModelName: "gpt-4o-mini", Provider: provider(models.ProviderOpenAI), InputPrice: price(0.15), CachedInputPrice: price(0.075), OutputPrice: price(0.6)},
	{ModelName: "gpt-3.5-turbo", Provider: provider(models.ProviderOpenAI), InputPrice: price(0.5), OutputPrice: price(1.5)},

	{ModelName: "claude-3-opus-20240229", Provider: provider(models.ProviderAnthropic), InputPrice: price(15), OutputPrice: price(75)},
	{ModelName: "claude-3-5-sonnet-20241022", Provider: provider(models.ProviderAnthropic), InputPrice: price(3), OutputPrice: price(15)},
	{ModelName: "claude-3-5-haiku-20241022", Provider: provider(models.ProviderAnthropic), InputPrice: price(0.8), OutputPrice: price(4)},

	{ModelName: "gemini-2.0-flash", Provider: provider(models.ProviderGoogle), InputPrice: price(0.1), OutputPrice: price(0.4)},
	// Requests name gemini-2.5-pro; costing reads the tier rows below.
	{ModelName: "gemini-2.5-pro", Provider: provider(models.ProviderGoogle), InputPrice: price(1.25), OutputPrice: price(10)},
	{ModelName: "gemini-2.5-pro-low", Provider: provider(models.ProviderGoogle), InputPrice: price(1.25), OutputPrice: price(10)},
	{ModelName: "gemini-2.5-pro-high", Provider: provider(models.ProviderGoogle), InputPrice: price(2.5), OutputPrice: price(15)},
}

// Seed inserts the shipped pricing rows, leaving existing rows alone so
// operator-tuned prices survive restarts.
func Seed(ctx context.Context, db *gorm.DB) error {
	rows := make([]models.ModelPricing, len(defaultPricing))
	copy(rows, defaultPricing)

	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "model_name"}},
			DoNothing: true,
		}).
		Create(&rows).Error
}
