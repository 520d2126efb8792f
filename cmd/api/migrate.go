package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sitecontrol/api/internal/logging"
	"sitecontrol/api/internal/store"
)

func newMigrateCmd() *cobra.Command {
	var down int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Apply pending database migrations from migrations.dir.

With --down N the newest N applied migrations are reverted instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer func() { _ = logging.Sync(logger) }()

			db, err := store.Open(cmd.Context(), cfg.Database.URL, 2)
			if err != nil {
				return err
			}
			defer db.Close()

			verb := "applied"
			var versions []string
			if down > 0 {
				verb = "reverted"
				versions, err = store.RollbackMigrations(cmd.Context(), db, cfg.Migrations.Dir, down, logger)
			} else {
				versions, err = store.ApplyMigrations(cmd.Context(), db, cfg.Migrations.Dir, logger)
			}
			if err != nil {
				return err
			}
			if len(versions) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "nothing %s\n", verb)
				return nil
			}
			for _, version := range versions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, version)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "revert the newest N applied migrations")
	return cmd
}
