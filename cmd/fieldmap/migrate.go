package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/banshee-data/fieldmap/internal/db"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <" + strings.Join(db.MigrateActions, "|") + "> [version]",
		Short: "Manage the sqlite schema",
		Long: "Apply, roll back or inspect schema migrations on the sqlite database.\n" +
			"The postgres store migrates itself on connect.",
		ValidArgs: db.MigrateActions,
		Args:      cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := getCLIContext(cmd)
			if err != nil {
				return err
			}
			if cc.Config.Database.Driver != "sqlite" {
				return fmt.Errorf("migrate supports the sqlite driver only, got %q", cc.Config.Database.Driver)
			}
			d, err := db.OpenDB(cc.Config.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer d.Close()
			return db.RunMigrate(d, args[0], args[1:], cmd.OutOrStdout())
		},
	}
}
