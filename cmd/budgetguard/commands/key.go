package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/budgetguard/budgetguard/internal/models"
)

// NewKeyCommand manages API keys.
func NewKeyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
	}

	cmd.AddCommand(newKeyGenerateCommand())
	cmd.AddCommand(newKeyRevokeCommand())

	return cmd
}

func newKeyGenerateCommand() *cobra.Command {
	var tenantName string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new API key for a tenant",
		Long:  "Generate a new API key. The plaintext secret is printed once and never stored.",
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
			tenant, err := tenantByName(ctx, db, tenantName)
			if err != nil {
				return err
			}

			secret, hash, err := models.GenerateAPIKey()
			if err != nil {
				return err
			}

			key := models.APIKey{
				KeyHash:   hash,
				KeyPrefix: models.KeyPrefix(secret),
				IsActive:  true,
				TenantID:  tenant.ID,
			}
			if err := db.WithContext(ctx).Create(&key).Error; err != nil {
				return err
			}

			writeAudit(ctx, db, log, "key.generate", "api_key", key.ID,
				map[string]interface{}{"tenant": tenant.Name, "prefix": key.KeyPrefix})

			fmt.Printf("API key for tenant %q:\n\n  %s\n\nStore it now; it cannot be recovered.\n", tenant.Name, secret)
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantName, "tenant", "t", "", "Tenant name (required)")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func newKeyRevokeCommand() *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke API keys by prefix",
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

			if len(prefix) != models.KeyPrefixLen {
				return fmt.Errorf("prefix must be exactly %d characters", models.KeyPrefixLen)
			}

			ctx := context.Background()
			res := db.WithContext(ctx).
				Model(&models.APIKey{}).
				Where("key_prefix = ? AND is_active", prefix).
				Update("is_active", false)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("no active key with prefix %q", prefix)
			}

			writeAudit(ctx, db, log, "key.revoke", "api_key", 0,
				map[string]interface{}{"prefix": prefix, "revoked": res.RowsAffected})

			fmt.Printf("Revoked %d key(s)\n", res.RowsAffected)
			return nil
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "Key prefix (required)")
	_ = cmd.MarkFlagRequired("prefix")

	return cmd
}
