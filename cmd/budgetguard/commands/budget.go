package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/budgetguard/budgetguard/internal/models"
)

// NewBudgetCommand manages stored budgets.
func NewBudgetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Manage tenant budgets",
	}

	cmd.AddCommand(newBudgetSetCommand())

	return cmd
}

func newBudgetSetCommand() *cobra.Command {
	var tenantName, period, amount, startDate, endDate string

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set a tenant budget for a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadEnv()
			if err != nil {
				return err
			}
			defer log.Sync()

			p := models.BudgetPeriod(period)
			if !p.Valid() {
				return fmt.Errorf("invalid period %q (daily, monthly, custom)", period)
			}

			usd, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", amount, err)
			}

			var start, end *time.Time
			if p == models.BudgetPeriodCustom {
				start, err = parseDateFlag(startDate, "start-date")
				if err != nil {
					return err
				}
				end, err = parseDateFlag(endDate, "end-date")
				if err != nil {
					return err
				}
				if start == nil || end == nil {
					return fmt.Errorf("custom budgets require --start-date and --end-date")
				}
			}

			db, err := openDB(cfg, log)
			if err != nil {
				return err
			}

			ctx := context.Background()
			tenant, err := tenantByName(ctx, db, tenantName)
			if err != nil {
				return err
			}

			budget := models.Budget{TenantID: tenant.ID, Period: p}
			err = db.WithContext(ctx).
				Where(models.Budget{TenantID: tenant.ID, Period: p}).
				FirstOrCreate(&budget).Error
			if err != nil {
				return err
			}

			budget.AmountUSD = usd
			budget.StartDate = start
			budget.EndDate = end
			if err := db.WithContext(ctx).Save(&budget).Error; err != nil {
				return err
			}

			writeAudit(ctx, db, log, "budget.set", "budget", budget.ID,
				map[string]interface{}{"tenant": tenant.Name, "period": period, "amount_usd": usd.String()})

			fmt.Printf("Budget for %q set: %s %s USD\n", tenant.Name, period, usd.String())
			fmt.Println("Cached limits refresh within five minutes; restart the proxy to apply immediately.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantName, "tenant", "t", "", "Tenant name (required)")
	cmd.Flags().StringVar(&period, "period", "monthly", "Budget period (daily, monthly, custom)")
	cmd.Flags().StringVar(&amount, "amount", "", "Budget amount in USD (required)")
	cmd.Flags().StringVar(&startDate, "start-date", "", "Custom window start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "Custom window end (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func parseDateFlag(raw, name string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s %q: %w", name, raw, err)
	}
	return &t, nil
}
