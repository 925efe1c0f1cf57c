package worker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/budgetguard/budgetguard/internal/models"
)

// LedgerStore is the consumer's persistence surface.
type LedgerStore interface {
	UpsertTenantByName(ctx context.Context, name string) (*models.Tenant, error)
	// InsertLedgerRow appends the row; created is false when a row
	// with the same event id already exists.
	InsertLedgerRow(ctx context.Context, row *models.UsageLedger) (created bool, err error)
	InsertRequestTags(ctx context.Context, rows []models.RequestTag) error
	CreateAlert(ctx context.Context, alert *models.Alert) error
	SumUsage(ctx context.Context, tenant string, from, to time.Time) (decimal.Decimal, error)
}

type gormLedgerStore struct {
	db *gorm.DB
}

func NewGormLedgerStore(db *gorm.DB) LedgerStore {
	return &gormLedgerStore{db: db}
}

func (s *gormLedgerStore) UpsertTenantByName(ctx context.Context, name string) (*models.Tenant, error) {
	tenant := models.Tenant{Name: name, IsActive: true}
	err := s.db.WithContext(ctx).
		Where(models.Tenant{Name: name}).
		FirstOrCreate(&tenant).Error
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (s *gormLedgerStore) InsertLedgerRow(ctx context.Context, row *models.UsageLedger) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *gormLedgerStore) InsertRequestTags(ctx context.Context, rows []models.RequestTag) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}

func (s *gormLedgerStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	return s.db.WithContext(ctx).Create(alert).Error
}

func (s *gormLedgerStore) SumUsage(ctx context.Context, tenant string, from, to time.Time) (decimal.Decimal, error) {
	var raw *string
	err := s.db.WithContext(ctx).
		Model(&models.UsageLedger{}).
		Select("SUM(usd)").
		Where("tenant = ? AND timestamp >= ? AND timestamp < ?", tenant, from, to).
		Scan(&raw).Error
	if err != nil {
		return decimal.Zero, err
	}
	if raw == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(*raw)
}
