// Command stopguard runs the stop/target execution engine and its operator tools.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"stopguard/internal/config"
)

var (
	configPath  string
	verbose     bool
	postgresDSN string
	jsonOutput  bool
)

var rootCmd = &cobra.Command{
	Use:   "stopguard",
	Short: "Idempotent stop-loss / take-profit execution engine",
	Long: `stopguard closes open positions when price crosses their stop-loss or
take-profit, exactly once, even when the websocket feed and the fallback
poller observe the same crossing at the same time.

Every decision is appended to the stop_events log; execution state is a
projection of that log and can be verified or rebuilt at any time.

Examples:
  stopguard run -c stopguard.yaml
  stopguard run --once --paper
  stopguard skip-check --json
  stopguard status pos-123
  stopguard events pos-123`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log expected non-errors (duplicates, suppressions)")
	rootCmd.PersistentFlags().StringVar(&postgresDSN, "postgres-dsn", "", "PostgreSQL connection string (overrides config and POSTGRES_DSN)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, "[stopguard] ", log.LstdFlags|log.Lshortfile)
}

// loadConfig loads the config file and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("postgres-dsn") {
		cfg.Postgres.DSN = postgresDSN
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Verbose = verbose
	}
	return cfg, nil
}
