package models

import "github.com/shopspring/decimal"

type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderGoogle    ProviderType = "google"
)

// ModelPricing is a catalog row. Prices are USD per 1M tokens. A nil
// Provider means the model exists but has no adapter and is unroutable.
type ModelPricing struct {
	BaseModel
	ModelName        string          `gorm:"uniqueIndex;not null" json:"model_name"`
	Version          string          `json:"version"`
	Provider         *ProviderType   `json:"provider"`
	InputPrice       decimal.Decimal `gorm:"type:numeric(12,6);not null" json:"input_price"`
	CachedInputPrice decimal.Decimal `gorm:"type:numeric(12,6)" json:"cached_input_price"`
	OutputPrice      decimal.Decimal `gorm:"type:numeric(12,6);not null" json:"output_price"`
}
