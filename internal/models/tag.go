package models

import "github.com/shopspring/decimal"

// Tag is a request-attributable label with a hierarchical path. Path
// equals the slash-joined ancestor names; Level equals depth (root 0).
type Tag struct {
	BaseModel
	TenantID uint   `gorm:"not null;index:idx_tag_tenant_name,unique" json:"tenant_id"`
	Tenant   Tenant `gorm:"foreignKey:TenantID" json:"-"`
	Name     string `gorm:"not null;index:idx_tag_tenant_name,unique" json:"name"`
	Path     string `gorm:"not null" json:"path"`
	ParentID *uint  `gorm:"index" json:"parent_id,omitempty"`
	Parent   *Tag   `gorm:"foreignKey:ParentID" json:"-"`
	Level    int    `gorm:"default:0" json:"level"`
	IsActive bool   `gorm:"default:true" json:"is_active"`

	Budgets []TagBudget `gorm:"foreignKey:TagID" json:"-"`
}

type InheritanceMode string

const (
	InheritanceStrict InheritanceMode = "STRICT"
	InheritanceNone   InheritanceMode = "NONE"
)

type TagBudget struct {
	BaseModel
	TagID           uint            `gorm:"not null;index" json:"tag_id"`
	Tag             Tag             `gorm:"foreignKey:TagID" json:"-"`
	Period          BudgetPeriod    `gorm:"not null" json:"period"`
	AmountUSD       decimal.Decimal `gorm:"type:numeric(14,6);not null" json:"amount_usd"`
	Weight          float64         `gorm:"default:1.0" json:"weight"`
	InheritanceMode InheritanceMode `gorm:"default:STRICT" json:"inheritance_mode"`
	IsActive        bool            `gorm:"default:true" json:"is_active"`
}

// TagRef is the resolved form attached to events and policy input.
type TagRef struct {
	ID     uint    `json:"id"`
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}
