package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BudgetPeriod string

const (
	BudgetPeriodDaily   BudgetPeriod = "daily"
	BudgetPeriodMonthly BudgetPeriod = "monthly"
	BudgetPeriodCustom  BudgetPeriod = "custom"
)

func (p BudgetPeriod) Valid() bool {
	switch p {
	case BudgetPeriodDaily, BudgetPeriodMonthly, BudgetPeriodCustom:
		return true
	}
	return false
}

type Budget struct {
	BaseModel
	TenantID  uint            `gorm:"not null;index:idx_budget_tenant_period" json:"tenant_id"`
	Tenant    Tenant          `gorm:"foreignKey:TenantID" json:"-"`
	Period    BudgetPeriod    `gorm:"not null;index:idx_budget_tenant_period" json:"period"`
	AmountUSD decimal.Decimal `gorm:"type:numeric(14,6);not null" json:"amount_usd"`
	StartDate *time.Time      `json:"start_date,omitempty"`
	EndDate   *time.Time      `json:"end_date,omitempty"`
}

// Window resolves the budget's active window at the given instant.
// Daily and monthly windows derive from the UTC wall clock; custom
// windows come from the stored dates. ok is false when a custom
// window is missing either endpoint (callers fail closed).
func (b *Budget) Window(now time.Time) (start, end time.Time, ok bool) {
	return PeriodWindow(b.Period, now, b.StartDate, b.EndDate)
}

// PeriodWindow computes the [start, end) accrual window for a period.
func PeriodWindow(period BudgetPeriod, now time.Time, customStart, customEnd *time.Time) (time.Time, time.Time, bool) {
	now = now.UTC()
	switch period {
	case BudgetPeriodDaily:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1), true
	case BudgetPeriodMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), true
	case BudgetPeriodCustom:
		if customStart == nil || customEnd == nil {
			return time.Time{}, time.Time{}, false
		}
		return customStart.UTC(), customEnd.UTC(), true
	}
	return time.Time{}, time.Time{}, false
}

// WindowKey renders the period's date component used in Redis counter
// keys: YYYY-MM-DD for daily, YYYY-MM for monthly.
func WindowKey(period BudgetPeriod, now time.Time) string {
	now = now.UTC()
	if period == BudgetPeriodMonthly {
		return now.Format("2006-01")
	}
	return now.Format("2006-01-02")
}
