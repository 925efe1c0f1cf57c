package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type UsageStatus string

const (
	UsageStatusSuccess UsageStatus = "success"
	UsageStatusError   UsageStatus = "error"
	UsageStatusDenied  UsageStatus = "denied"
)

func (s UsageStatus) Valid() bool {
	switch s {
	case UsageStatusSuccess, UsageStatusError, UsageStatusDenied:
		return true
	}
	return false
}

// UsageLedger is the durable, append-only mirror of a usage event.
// Rows are never mutated after insertion. Tenant name is denormalized
// alongside the id for query efficiency.
type UsageLedger struct {
	BaseModel
	EventID   string          `gorm:"uniqueIndex;not null" json:"event_id"`
	Timestamp time.Time       `gorm:"index;not null" json:"timestamp"`
	Tenant    string          `gorm:"index;not null" json:"tenant"`
	TenantID  uint            `gorm:"index;not null" json:"tenant_id"`
	Route     string          `json:"route"`
	Model     string          `gorm:"index" json:"model"`
	USD       decimal.Decimal `gorm:"type:numeric(14,8);not null" json:"usd"`
	PromptTok int             `json:"prompt_tok"`
	CompTok   int             `json:"comp_tok"`
	Status    UsageStatus     `gorm:"index;not null" json:"status"`
	SessionID string          `gorm:"index" json:"session_id,omitempty"`
	Tags      datatypes.JSON  `json:"tags,omitempty"`
}

// RequestTag links one ledger row to one tag with its applied weight.
type RequestTag struct {
	BaseModel
	UsageLedgerID uint        `gorm:"not null;index:idx_reqtag_ledger_tag,unique" json:"usage_ledger_id"`
	UsageLedger   UsageLedger `gorm:"foreignKey:UsageLedgerID" json:"-"`
	TagID         uint        `gorm:"not null;index:idx_reqtag_ledger_tag,unique" json:"tag_id"`
	Tag           Tag         `gorm:"foreignKey:TagID" json:"-"`
	Weight        float64     `gorm:"default:1.0" json:"weight"`
	AssignedBy    string      `gorm:"default:header" json:"assigned_by"`
}
