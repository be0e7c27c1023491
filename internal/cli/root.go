package cli

import (
	"github.com/spf13/cobra"
)

var (
	dbPath     string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "variantd",
	Short: "variantd - experimentation service for marketplace storefronts",
	Long: `variantd assigns storefront visitors to experiment variants, records
what they do, and tells you which variant wins.

Single Go binary with an embedded SQLite database. Run 'variantd serve' to
start the HTTP API, or use the subcommands below to manage experiments.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config and VARIANTD_DB_PATH)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (YAML or JSON)")
}
