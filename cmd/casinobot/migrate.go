package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coopco/casinobot/internal/storage/sqlstore"
)

func newMigrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := setupLogging(cfg.Log); err != nil {
				return err
			}
			store, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if !status {
				if err := store.Migrate(ctx); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}
			migrations, err := store.Migrations(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range migrations {
				state := "pending"
				if m.Applied {
					state = "applied"
				}
				fmt.Fprintf(out, "%-8s %s\n", state, m.Name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "Only report which migrations have run")
	return cmd
}
