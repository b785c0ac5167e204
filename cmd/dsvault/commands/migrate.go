package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewMigrateCommand(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Long: `Create the tables dsvault needs. Running it again is safe; existing tables
are left as they are.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := rt.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := db.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Database schema is up to date (%s)\n", rt.Config.Definition.Database.Driver)
			return nil
		},
	}
}
