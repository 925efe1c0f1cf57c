package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/budgetguard/budgetguard/internal/models"
)

func TestEnabledPeriodsDefault(t *testing.T) {
	b := BudgetConfig{}
	assert.Equal(t,
		[]models.BudgetPeriod{models.BudgetPeriodDaily, models.BudgetPeriodMonthly},
		b.EnabledPeriods())
}

func TestEnabledPeriodsFiltersInvalid(t *testing.T) {
	b := BudgetConfig{Periods: []string{"daily", " MONTHLY ", "weekly", "custom"}}
	assert.Equal(t,
		[]models.BudgetPeriod{
			models.BudgetPeriodDaily,
			models.BudgetPeriodMonthly,
			models.BudgetPeriodCustom,
		},
		b.EnabledPeriods())
}

func TestParsedDates(t *testing.T) {
	b := BudgetConfig{StartDate: "2026-01-01", EndDate: "2026-03-31"}

	start := b.ParsedStartDate()
	require.NotNil(t, start)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), start.UTC())

	end := b.ParsedEndDate()
	require.NotNil(t, end)
	assert.Equal(t, time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC), end.UTC())
}

func TestParsedDatesUnsetOrInvalid(t *testing.T) {
	assert.Nil(t, BudgetConfig{}.ParsedStartDate())
	assert.Nil(t, BudgetConfig{StartDate: "01/01/2026"}.ParsedStartDate())
	assert.Nil(t, BudgetConfig{EndDate: "not-a-date"}.ParsedEndDate())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
	assert.Equal(t, 60*time.Second, cfg.Server.UpstreamTimeout)
	assert.Equal(t, 10.0, cfg.Budget.DefaultDailyUSD)
	assert.Equal(t, 100.0, cfg.Budget.DefaultMonthlyUSD)
	assert.Equal(t, "public", cfg.Budget.DefaultTenant)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BUDGET_PERIODS", "daily,custom")
	t.Setenv("MAX_REQS_PER_MIN", "120")
	t.Setenv("DEFAULT_TENANT", "acme")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, []string{"daily", "custom"}, cfg.Budget.Periods)
	assert.Equal(t, 120, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, "acme", cfg.Budget.DefaultTenant)
}
