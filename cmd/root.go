package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/agstats-cli/internal/config"
	"github.com/sells-group/agstats-cli/internal/ingest"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "agstats",
	Short: "Agricultural statistics ingestion core",
	Long:  "Stores raw source cells and revisioned observations from commodity data collectors, tracks ingest runs, validation verdicts, and agent liveness.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func initStore(ctx context.Context) (ingest.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "agstats.db"
		}
		return ingest.NewSQLite(dsn)
	case "postgres":
		return ingest.NewPostgres(ctx, cfg.Store.DatabaseURL, &ingest.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
