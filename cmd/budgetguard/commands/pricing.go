package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/budgetguard/budgetguard/internal/services/catalog"
)

// NewPricingCommand manages the model pricing catalog.
func NewPricingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Manage the model pricing catalog",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Insert the shipped pricing rows",
		Long:  "Insert the shipped pricing rows. Existing rows are left untouched.",
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

			if err := catalog.Seed(context.Background(), db); err != nil {
				return err
			}

			fmt.Println("Pricing catalog seeded")
			return nil
		},
	})

	return cmd
}
