package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/budgetguard/budgetguard/internal/models"
)

// NewTenantCommand manages tenants.
func NewTenantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	cmd.AddCommand(newTenantCreateCommand())
	cmd.AddCommand(newTenantListCommand())

	return cmd
}

func newTenantCreateCommand() *cobra.Command {
	var name string
	var rateLimit int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadEnv()
			if err != nil {
				return err
			}
			defer log.Sync()

			db, err := openDB(cfg, log)
			if err != nil {
				return err
			}

			ctx := context.Background()
			tenant := models.Tenant{Name: name, IsActive: true}
			if rateLimit > 0 {
				tenant.RateLimitPerMin = &rateLimit
			}

			err = db.WithContext(ctx).
				Where(models.Tenant{Name: name}).
				FirstOrCreate(&tenant).Error
			if err != nil {
				return err
			}

			writeAudit(ctx, db, log, "tenant.create", "tenant", tenant.ID,
				map[string]interface{}{"name": tenant.Name})

			fmt.Printf("Tenant %q ready (id %d)\n", tenant.Name, tenant.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Tenant name (required)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "Requests per minute (0 uses the global default)")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newTenantListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadEnv()
			if err != nil {
				return err
			}
			defer log.Sync()

			db, err := openDB(cfg, log)
			if err != nil {
				return err
			}

			var tenants []models.Tenant
			if err := db.WithContext(context.Background()).Order("name").Find(&tenants).Error; err != nil {
				return err
			}

			for _, t := range tenants {
				status := "active"
				if !t.IsActive {
					status = "inactive"
				}
				fmt.Printf("%-6d %-30s %s\n", t.ID, t.Name, status)
			}
			return nil
		},
	}
}
