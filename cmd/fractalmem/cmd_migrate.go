package main

import (
	"database/sql"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fractalmem/internal/graph"
	"fractalmem/internal/memerr"
)

func newMigrateCmd() *cobra.Command {
	var target int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply graph schema migrations up to a version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// graph.Open migrates to the latest version, so the raw
			// connection is used here to honour --to.
			db, err := sql.Open("sqlite3", cfg.GraphURI)
			if err != nil {
				return memerr.StoreUnavailable(err)
			}
			defer db.Close()

			if target <= 0 {
				target = graph.CurrentSchemaVersion
			}
			applied, err := graph.MigrateTo(db, target)
			if err != nil {
				return err
			}

			rows, err := graph.AppliedMigrations(db)
			if err != nil {
				return err
			}
			for _, m := range rows {
				logger.Info("migration",
					zap.Int("version", m.Version),
					zap.String("name", m.Name),
					zap.Time("applied_at", m.AppliedAt))
			}
			logger.Info("migrate complete", zap.Int("applied_now", applied), zap.Int("schema_version", target))
			return nil
		},
	}
	cmd.Flags().IntVar(&target, "to", 0, "target schema version (default: latest)")
	return cmd
}
