package models

import (
	"time"

	"gorm.io/datatypes"
)

// PolicyBundle records a deployed policy wasm artifact.
type PolicyBundle struct {
	BaseModel
	Name     string `gorm:"uniqueIndex;not null" json:"name"`
	Revision string `json:"revision"`
	Path     string `gorm:"not null" json:"path"`
	IsActive bool   `gorm:"default:true" json:"is_active"`
}

type Alert struct {
	BaseModel
	TenantID   uint         `gorm:"not null;index" json:"tenant_id"`
	Tenant     Tenant       `gorm:"foreignKey:TenantID" json:"-"`
	Period     BudgetPeriod `gorm:"not null" json:"period"`
	Threshold  float64      `json:"threshold"`
	CurrentPct float64      `json:"current_pct"`
	Message    string       `json:"message"`
	SentAt     time.Time    `json:"sent_at"`
}

type AuditLog struct {
	BaseModel
	Actor    string         `gorm:"index" json:"actor"`
	Action   string         `gorm:"index;not null" json:"action"`
	Entity   string         `json:"entity"`
	EntityID uint           `json:"entity_id"`
	Detail   datatypes.JSON `json:"detail,omitempty"`
}
