package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/budgetguard/budgetguard/cmd/budgetguard/commands"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "budgetguard",
		Short: "BudgetGuard management CLI",
		Long: `Run the proxy or worker, and manage tenants, API keys, budgets,
and the pricing catalog of a BudgetGuard deployment.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewWorkerCommand())
	rootCmd.AddCommand(commands.NewTenantCommand())
	rootCmd.AddCommand(commands.NewKeyCommand())
	rootCmd.AddCommand(commands.NewBudgetCommand())
	rootCmd.AddCommand(commands.NewPricingCommand())

	return rootCmd
}
