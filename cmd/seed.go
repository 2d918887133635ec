package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/agstats-cli/internal/ingest"
	"github.com/sells-group/agstats-cli/internal/seed"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load reference dimensions from a YAML file",
	Long:  "Upserts data sources, commodities, locations, and units by code. Safe to re-run.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		path := seedFile
		if path == "" {
			path = cfg.Seed.File
		}
		f, err := seed.Load(path)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		switch s := st.(type) {
		case *ingest.PostgresStore:
			err = seed.ApplyPostgres(ctx, s.Pool(), f)
		case *ingest.SQLiteStore:
			err = seed.ApplySQLite(ctx, s.DB(), f)
		default:
			err = eris.Errorf("seed: unsupported store type %T", st)
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "Seeded %s from %s\n", f.Summary(), path)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "", "seed file path (default from config)")
	rootCmd.AddCommand(seedCmd)
}
