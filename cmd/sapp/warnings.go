package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/sapp/internal/storage"
)

func newUpdateWarningsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update-warnings <metadata-file>",
		Short: "Upsert warning messages from a metadata file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return &UserError{Message: fmt.Sprintf("cannot read %s: %v", args[0], err)}
			}
			db, err := storage.Open(dbDialect, dbName)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := storage.CreateSchema(rootCtx, db); err != nil {
				return err
			}
			return storage.UpdateWarningMessages(rootCtx, db, data)
		},
	}
}
