package catalog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/budgetguard/budgetguard/internal/models"
)

// snapshotTTL bounds staleness of the process-local price cache.
const snapshotTTL = 60 * time.Second

// ModelPrice is a catalog lookup result. Provider nil means the model
// exists but is unroutable.
type ModelPrice struct {
	ModelName        string
	Provider         *models.ProviderType
	InputPrice       decimal.Decimal
	CachedInputPrice decimal.Decimal
	OutputPrice      decimal.Decimal
}

// PricingStore reads catalog rows.
type PricingStore interface {
	PricingByModel(ctx context.Context, model string) (*models.ModelPricing, error)
}

type gormPricingStore struct {
	db *gorm.DB
}

func NewGormPricingStore(db *gorm.DB) PricingStore {
	return &gormPricingStore{db: db}
}

func (s *gormPricingStore) PricingByModel(ctx context.Context, model string) (*models.ModelPricing, error) {
	var row models.ModelPricing
	err := s.db.WithContext(ctx).Where("model_name = ?", model).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

type cachedPrice struct {
	price     *ModelPrice
	fetchedAt time.Time
}

// Catalog is a read-through view over the pricing store.
type Catalog struct {
	store  PricingStore
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]cachedPrice
}

func New(store PricingStore, logger *zap.Logger) *Catalog {
	return &Catalog{
		store:  store,
		logger: logger,
		cache:  make(map[string]cachedPrice),
	}
}

// Lookup returns pricing for a model, or nil when the catalog has no
// row for it. Only positive results are cached; unknown models are
// re-queried every time.
func (c *Catalog) Lookup(ctx context.Context, model string) (*ModelPrice, error) {
	c.mu.RLock()
	entry, ok := c.cache[model]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < snapshotTTL {
		return entry.price, nil
	}

	row, err := c.store.PricingByModel(ctx, model)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	price := &ModelPrice{
		ModelName:        row.ModelName,
		Provider:         row.Provider,
		InputPrice:       row.InputPrice,
		CachedInputPrice: row.CachedInputPrice,
		OutputPrice:      row.OutputPrice,
	}

	c.mu.Lock()
	c.cache[model] = cachedPrice{price: price, fetchedAt: time.Now()}
	c.mu.Unlock()

	return price, nil
}
