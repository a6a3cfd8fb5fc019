// ==============================================================================
// ENGINE DAEMON - cmd/tpiad/main.go
// ==============================================================================
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tpia/pkg/config"
	"tpia/pkg/logger"
)

var (
	envFile string

	cfg *config.Config
	log logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tpiad",
	Short: "TPIA cluster, cycle and exit engine",
	Long: `tpiad runs the TPIA engine: cluster allocation, the approval lifecycle,
37-day profit cycles, exit window settlement and the wallet ledger.

Every command reads its configuration from the environment, optionally
seeded from a .env file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		cfg = config.Load()
		log = logger.New("tpiad")
		return cfg.Engine.Validate()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before the configuration")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
