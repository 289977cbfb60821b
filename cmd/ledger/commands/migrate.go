package commands

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"dealledger/db"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Applies the embedded schema to DATABASE_URL.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e := getEnv(cmd.Context())
		if e.pool == nil {
			return errors.New("migrate needs DATABASE_URL")
		}
		if err := db.Migrate(cmd.Context(), e.pool); err != nil {
			return err
		}
		slog.Info("schema applied")
		return nil
	},
}
