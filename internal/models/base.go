package models

import (
	"time"

	"gorm.io/gorm"
)

type BaseModel struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// AllModels lists every entity for automigration, in FK dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&Tenant{},
		&APIKey{},
		&Budget{},
		&Tag{},
		&TagBudget{},
		&ModelPricing{},
		&UsageLedger{},
		&RequestTag{},
		&PolicyBundle{},
		&Alert{},
		&AuditLog{},
	}
}
